package pause

import "github.com/urfave/cli/v2"

// Command returns the hidden "pause" subcommand that main registers
// on the daemon's CLI app. It is never invoked directly by users; the
// daemon re-execs itself with this subcommand to start a pause
// process.
func Command() *cli.Command {
	return &cli.Command{
		Name:   "pause",
		Hidden: true,
		Usage:  "internal: run the namespace-holding pause process",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Required: true},
			&cli.BoolFlag{Name: "ipc"},
			&cli.BoolFlag{Name: "pid"},
			&cli.BoolFlag{Name: "net"},
			&cli.BoolFlag{Name: "user"},
			&cli.BoolFlag{Name: "uts"},
			&cli.StringSliceFlag{Name: "uid-mappings"},
			&cli.StringSliceFlag{Name: "gid-mappings"},
		},
		Action: func(c *cli.Context) error {
			return Run(RunOptions{
				Path:        c.String("path"),
				IPC:         c.Bool("ipc"),
				PID:         c.Bool("pid"),
				Net:         c.Bool("net"),
				User:        c.Bool("user"),
				UTS:         c.Bool("uts"),
				UIDMappings: c.StringSlice("uid-mappings"),
				GIDMappings: c.StringSlice("gid-mappings"),
			})
		},
	}
}
