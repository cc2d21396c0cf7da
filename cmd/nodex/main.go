// Command nodex is a CLI client for the Nodex daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/and161185/nodex/internal/config"
	"github.com/and161185/nodex/internal/model"
	grpcserver "github.com/and161185/nodex/internal/server/grpc"
)

// ---- grpc dial ----

func dial(addr string) (*grpc.ClientConn, *grpcserver.Client, error) {
	target, err := config.DialTarget(addr)
	if err != nil {
		return nil, nil, err
	}
	// the daemon listens on a per-user socket or loopback
	cc, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return cc, grpcserver.NewClient(cc), nil
}

// ---- utils ----

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `nodex CLI
Usage:
  nodex [-addr unix:///path | HOST:PORT] [-timeout 30s] <cmd> [args]

Commands:
  version
  devices list       [-json]
  devices get        -id <uuid>
  devices add        -ip <ipv4> [-user u] [-auth password|key] [-password p] [-port n] [-alias a] [-hostname h]
  devices edit       -id <uuid> [same flags as add; only the flags given are changed, "" clears]
  devices rm         -id <uuid>
  scan               [-json]
  ssh                -id <uuid>           interactive shell on a device
  shell              [-cwd dir]           interactive shell on the daemon's host

The daemon address defaults to $%s, then %s.
`, config.AddrEnv, config.DefaultListen())
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands.
func main() {
	// global flags
	addr := flag.String("addr", config.ClientAddr(), "daemon address")
	timeout := flag.Duration("timeout", 30*time.Second, "timeout for non-interactive calls")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "version" {
		fmt.Printf("nodex %s (%s)\n", version, buildDate)
		return
	}

	cc, cli, err := dial(*addr)
	if err != nil {
		fail(err)
	}
	defer cc.Close()

	switch cmd {
	case "devices":
		if len(args) < 1 {
			usage()
		}
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		err = cmdDevices(ctx, cli, args[0], args[1:], os.Stdout)
	case "scan":
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		err = cmdScan(ctx, cli, args, os.Stdout)
	case "ssh":
		fs := flag.NewFlagSet("ssh", flag.ExitOnError)
		id := fs.String("id", "", "device id (uuid)")
		_ = fs.Parse(args)
		if *id == "" && fs.NArg() > 0 {
			*id = fs.Arg(0)
		}
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		exitWith(interactive(cli, model.SessionRemote, func(ctx context.Context) (*grpcserver.SessionStream, error) {
			return cli.StartRemoteSession(ctx, *id)
		}))
	case "shell":
		fs := flag.NewFlagSet("shell", flag.ExitOnError)
		cwd := fs.String("cwd", "", "working directory on the daemon's host")
		_ = fs.Parse(args)
		exitWith(interactive(cli, model.SessionLocal, func(ctx context.Context) (*grpcserver.SessionStream, error) {
			return cli.StartLocalSession(ctx, *cwd)
		}))
	default:
		usage()
	}
	if err != nil {
		fail(err)
	}
}

// ---- helpers ----

// exitWith ends the process with the remote shell's exit code.
func exitWith(d model.CloseDetails, err error) {
	if err != nil {
		fail(err)
	}
	os.Exit(exitCode(d))
}

func exitCode(d model.CloseDetails) int {
	switch {
	case d.Code != nil:
		return *d.Code
	case d.Signal != nil:
		return 1
	default:
		return 0
	}
}

func fail(err error) {
	var we *grpcserver.Error
	if errors.As(err, &we) {
		fmt.Fprintf(os.Stderr, "error: kind=%s code=%s msg=%s\n", we.Kind, we.Status.Code(), we.Message)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
