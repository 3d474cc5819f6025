// Copyright (C) 2026  Nexedi SA and Contributors.
//                     Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

// Spvm is a driver program for exercising and inspecting safepoint
// coordination of a set of mutator threads.
package main

import "lab.nexedi.com/kirr/go123/prog"

var commands = prog.CommandRegistry{
	{Name: "stress", Summary: stressSummary, Usage: stressUsage, Main: stressMain},
	{Name: "serve", Summary: serveSummary, Usage: serveUsage, Main: serveMain},
}

var helpTopics = prog.HelpRegistry{
	{Name: "flags", Summary: "configuration flags common to all commands", Text: helpFlags},
}

func main() {
	prog := prog.MainProg{
		Name:       "spvm",
		Summary:    "Spvm is a tool to run and inspect safepoint coordination",
		Commands:   commands,
		HelpTopics: helpTopics,
	}

	prog.Main()
}
