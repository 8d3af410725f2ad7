// The MIT License (MIT)
//
// # Copyright (c) 2026 screenlink
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

const replHelp = `commands:
  status       show listener address and connected users
  shutdown     disconnect every client gracefully, then stop
  close        stop immediately, crash-closing all sockets
  quick_close  graceful disconnect, then immediate stop
  help         show this help`

// runREPL drives the operator console until a terminating command or
// EOF. The returned code becomes the process exit status.
func runREPL(srv *Server, in io.Reader) int {
	scanner := bufio.NewScanner(in)
	color.Green("screenlink mediator on %s, type \"help\" for commands", srv.Addr())
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			// Operator closed stdin; treat like a graceful shutdown.
			srv.Shutdown()
			return 0
		}
		switch strings.TrimSpace(scanner.Text()) {
		case "":
			continue
		case "status":
			users := srv.connectedUsernames()
			color.Green("listening on %s", srv.Addr())
			if len(users) == 0 {
				color.Green("no users connected")
			} else {
				color.Green("connected users: %s", strings.Join(users, ", "))
			}
			if n := srv.tokens.Pending(); n > 0 {
				color.Green("pending tokens: %d", n)
			}
		case "shutdown":
			srv.Shutdown()
			return 0
		case "close":
			srv.Close()
			return 0
		case "quick_close":
			srv.Shutdown()
			srv.Close()
			return 0
		case "help":
			fmt.Println(replHelp)
		default:
			color.Red("unknown command %q, type \"help\" for commands", strings.TrimSpace(scanner.Text()))
		}
	}
}
