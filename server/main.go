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
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	myApp := cli.NewApp()
	myApp.Name = "screenlink"
	myApp.Usage = "screen sharing mediator server"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen,l",
			Value: ":22025",
			Usage: "server listen address",
		},
		cli.BoolFlag{
			Name:  "tls",
			Usage: "wrap every client socket in TLS",
		},
		cli.StringFlag{
			Name:  "cert",
			Value: "",
			Usage: "TLS certificate file",
		},
		cli.StringFlag{
			Name:  "key",
			Value: "",
			Usage: "TLS private key file",
		},
		cli.StringFlag{
			Name:  "db",
			Value: "users.json",
			Usage: "credential store file",
		},
		cli.IntFlag{
			Name:  "refresh",
			Value: 1,
			Usage: "socket deadline refresh interval in seconds",
		},
		cli.IntFlag{
			Name:  "buffercap",
			Value: 16,
			Usage: "per-connection message buffer capacity, 0 for unbounded",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file, default to stderr",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "suppress info level logs",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.Listen = c.String("listen")
		config.TLS = c.Bool("tls")
		config.Cert = c.String("cert")
		config.Key = c.String("key")
		config.DB = c.String("db")
		config.Refresh = c.Int("refresh")
		config.BufferCap = c.Int("buffercap")
		config.Log = c.String("log")
		config.Quiet = c.Bool("quiet")

		if c.String("c") != "" {
			err := parseJSONConfig(&config, c.String("c"))
			checkError(err)
		}

		// Redirect logs when the user supplied a dedicated log file.
		if config.Log != "" {
			f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			checkError(err)
			defer f.Close()
			logrus.SetOutput(f)
		}
		if config.Quiet {
			logrus.SetLevel(logrus.WarnLevel)
		}

		logrus.Println("version:", VERSION)
		logrus.Println("listen:", config.Listen)
		logrus.Println("tls:", config.TLS)
		logrus.Println("db:", config.DB)
		logrus.Println("refresh:", config.RefreshInterval())
		logrus.Println("buffercap:", config.BufferCap)

		db, err := OpenFileUserDB(config.DB)
		checkError(err)
		defer db.Close()

		srv := NewServer(&config, db)
		checkError(srv.Start())

		code := runREPL(srv, os.Stdin)
		if code != 0 {
			os.Exit(code)
		}
		return nil
	}
	myApp.Run(os.Args)
}

func checkError(err error) {
	if err != nil {
		logrus.Fatalf("%+v", err)
	}
}
