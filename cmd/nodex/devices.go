package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/juju/ansiterm"
	"golang.org/x/term"

	"github.com/and161185/nodex/internal/model"
)

// deviceAPI is the part of grpcserver.Client the device commands use.
type deviceAPI interface {
	GetDevice(ctx context.Context, id string) (*model.DeviceRecord, error)
	ListDevices(ctx context.Context) ([]model.DeviceRecord, error)
	RegisterDevice(ctx context.Context, in model.DeviceInput) (*model.DeviceRecord, error)
	UpdateDevice(ctx context.Context, id string, upd model.DeviceUpdate) (*model.DeviceRecord, error)
	RemoveDevice(ctx context.Context, id string) error
	ScanNetwork(ctx context.Context) ([]model.ScanResult, error)
}

// ------- flag builders -------

type deviceFlags struct {
	fs       *flag.FlagSet
	ip       *string
	hostname *string
	alias    *string
	port     *string
	user     *string
	auth     *string
	password *string
}

func newDeviceFlags(name string, withID bool) (*deviceFlags, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var id *string
	if withID {
		id = fs.String("id", "", "device id (uuid)")
	}
	return &deviceFlags{
		fs:       fs,
		ip:       fs.String("ip", "", "IPv4 address"),
		hostname: fs.String("hostname", "", "hostname"),
		alias:    fs.String("alias", "", "display name"),
		port:     fs.String("port", "", "SSH port (default 22)"),
		user:     fs.String("user", "", "SSH username"),
		auth:     fs.String("auth", string(model.AuthPassword), "auth method: password or key"),
		password: fs.String("password", "", "password for -auth password"),
	}, id
}

// set reports which flags were given on the command line.
func (f *deviceFlags) set() map[string]bool {
	seen := map[string]bool{}
	f.fs.Visit(func(fl *flag.Flag) { seen[fl.Name] = true })
	return seen
}

func optional(s *string, given bool) *string {
	if !given {
		return nil
	}
	v := *s
	return &v
}

// parsePort reads a port flag. An empty value maps to 0, which the daemon
// treats as "use the default port".
func parsePort(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		zero := 0.0
		return &zero, nil
	}
	p, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("bad -port %q", s)
	}
	return &p, nil
}

// input builds a registration request from the parsed flags.
func (f *deviceFlags) input(askPassword func() (string, error)) (model.DeviceInput, error) {
	seen := f.set()
	in := model.DeviceInput{
		IP:         *f.ip,
		Hostname:   optional(f.hostname, seen["hostname"]),
		Alias:      optional(f.alias, seen["alias"]),
		Username:   optional(f.user, seen["user"]),
		AuthMethod: model.AuthMethod(*f.auth),
		Password:   optional(f.password, seen["password"]),
	}
	if seen["port"] {
		p, err := parsePort(*f.port)
		if err != nil {
			return in, err
		}
		in.Port = p
	}
	if in.AuthMethod == model.AuthPassword && in.Password == nil && askPassword != nil {
		pw, err := askPassword()
		if err != nil {
			return in, err
		}
		in.Password = &pw
	}
	return in, nil
}

// update builds a partial update holding only the flags that were given.
func (f *deviceFlags) update() (model.DeviceUpdate, error) {
	seen := f.set()
	upd := model.DeviceUpdate{
		IP:       optional(f.ip, seen["ip"]),
		Hostname: optional(f.hostname, seen["hostname"]),
		Alias:    optional(f.alias, seen["alias"]),
		Username: optional(f.user, seen["user"]),
		Password: optional(f.password, seen["password"]),
	}
	if seen["auth"] {
		m := model.AuthMethod(*f.auth)
		upd.AuthMethod = &m
	}
	if seen["port"] {
		p, err := parsePort(*f.port)
		if err != nil {
			return upd, err
		}
		upd.Port = p
	}
	return upd, nil
}

// promptPassword reads a password from the terminal without echo. It
// returns an error when stdin is not a terminal.
func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("need -password (stdin is not a terminal)")
	}
	fmt.Fprint(os.Stderr, "SSH password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ------- output -------

func deref[T any](p *T, dflt string) string {
	if p == nil {
		return dflt
	}
	return fmt.Sprint(*p)
}

func printDevices(w io.Writer, ds []model.DeviceRecord) {
	tw := ansiterm.NewTabWriter(w, 0, 1, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tIP\tPORT\tUSER\tAUTH\tALIAS\tHOSTNAME")
	for _, d := range ds {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			d.ID, d.IP, d.SSHPort(), deref(d.Username, "-"), d.AuthMethod,
			deref(d.Alias, "-"), deref(d.Hostname, "-"),
		)
	}
	tw.Flush()
}

func printDevice(w io.Writer, d model.DeviceRecord) {
	tw := ansiterm.NewTabWriter(w, 0, 1, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", d.ID)
	fmt.Fprintf(tw, "ip\t%s\n", d.IP)
	fmt.Fprintf(tw, "port\t%d\n", d.SSHPort())
	fmt.Fprintf(tw, "username\t%s\n", deref(d.Username, "-"))
	fmt.Fprintf(tw, "auth\t%s\n", d.AuthMethod)
	fmt.Fprintf(tw, "alias\t%s\n", deref(d.Alias, "-"))
	fmt.Fprintf(tw, "hostname\t%s\n", deref(d.Hostname, "-"))
	if d.PublicKey != nil {
		fmt.Fprintf(tw, "public key\t%s\n", *d.PublicKey)
	}
	fmt.Fprintf(tw, "created\t%s\n", d.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(tw, "updated\t%s\n", d.UpdatedAt.Format("2006-01-02 15:04:05"))
	tw.Flush()
}

func printScan(w io.Writer, rs []model.ScanResult) {
	tw := ansiterm.NewTabWriter(w, 0, 1, 2, ' ', 0)
	fmt.Fprintln(tw, "IP\tHOSTNAME")
	for _, r := range rs {
		fmt.Fprintf(tw, "%s\t%s\n", r.IP, deref(r.Hostname, "-"))
	}
	tw.Flush()
}

// ------- commands -------

func requireID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("need -id")
	}
	return nil
}

// cmdDevices runs one "devices" subcommand.
func cmdDevices(ctx context.Context, api deviceAPI, sub string, args []string, out io.Writer) error {
	switch sub {
	case "list", "ls":
		fs := flag.NewFlagSet("devices list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		asJSON := fs.Bool("json", false, "print JSON")
		if err := fs.Parse(args); err != nil {
			return err
		}
		ds, err := api.ListDevices(ctx)
		if err != nil {
			return err
		}
		if *asJSON {
			printJSON(out, ds)
			return nil
		}
		printDevices(out, ds)

	case "get":
		fs := flag.NewFlagSet("devices get", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		id := fs.String("id", "", "device id (uuid)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if err := requireID(*id); err != nil {
			return err
		}
		d, err := api.GetDevice(ctx, *id)
		if err != nil {
			return err
		}
		printDevice(out, *d)

	case "add":
		f, _ := newDeviceFlags("devices add", false)
		if err := f.fs.Parse(args); err != nil {
			return err
		}
		in, err := f.input(promptPassword)
		if err != nil {
			return err
		}
		d, err := api.RegisterDevice(ctx, in)
		if err != nil {
			return err
		}
		printDevice(out, *d)

	case "edit":
		f, id := newDeviceFlags("devices edit", true)
		if err := f.fs.Parse(args); err != nil {
			return err
		}
		if err := requireID(*id); err != nil {
			return err
		}
		upd, err := f.update()
		if err != nil {
			return err
		}
		d, err := api.UpdateDevice(ctx, *id, upd)
		if err != nil {
			return err
		}
		printDevice(out, *d)

	case "rm", "remove":
		fs := flag.NewFlagSet("devices rm", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		id := fs.String("id", "", "device id (uuid)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if err := requireID(*id); err != nil {
			return err
		}
		if err := api.RemoveDevice(ctx, *id); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")

	default:
		return fmt.Errorf("unknown devices subcommand %q", sub)
	}
	return nil
}

// cmdScan lists SSH hosts found by the daemon.
func cmdScan(ctx context.Context, api deviceAPI, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rs, err := api.ScanNetwork(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		printJSON(out, rs)
		return nil
	}
	printScan(out, rs)
	return nil
}
