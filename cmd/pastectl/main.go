// Command pastectl stores and fetches pastes over the JSON API.
//
//	pastectl put [-code] [-private] [-server URL] < file
//	pastectl get [-server URL] [-delete] <short_id>
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/term"

	"pastebin/pkg/client"
)

// readPassword is swapped out in tests.
var readPassword = func() ([]byte, error) {
	return term.ReadPassword(int(os.Stdin.Fd()))
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "pastectl:", err)
		os.Exit(1)
	}
}

func defaultServer() string {
	if s := os.Getenv("PASTEBIN_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: pastectl put|get [flags]")
		return errors.New("missing command")
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	switch args[0] {
	case "put":
		return put(ctx, args[1:], stdin, stdout, stderr)
	case "get":
		return get(ctx, args[1:], stdout, stderr)
	default:
		return errors.Errorf("unknown command %q", args[0])
	}
}

func put(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.SetOutput(stderr)
	code := fs.Bool("code", false, "render as code")
	private := fs.Bool("private", false, "protect with a password")
	server := fs.String("server", defaultServer(), "server URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	content, err := io.ReadAll(stdin)
	if err != nil {
		return errors.Wrap(err, "read content")
	}
	req := client.CreateRequest{Content: string(content), Kind: "text"}
	if *code {
		req.Kind = "code"
	}
	if *private {
		pw, err := prompt(stderr, "Password: ")
		if err != nil {
			return err
		}
		req.Password = pw
	}
	c, err := client.New(*server, nil)
	if err != nil {
		return err
	}
	created, err := c.Put(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, created.URL)
	return nil
}

func get(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", defaultServer(), "server URL")
	del := fs.Bool("delete", false, "delete the paste instead of printing it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("expected exactly one short id")
	}
	shortID := strings.TrimPrefix(fs.Arg(0), "/")
	c, err := client.New(*server, nil)
	if err != nil {
		return err
	}
	if *del {
		pw, err := prompt(stderr, "Password: ")
		if err != nil {
			return err
		}
		if err := c.Delete(ctx, shortID, pw); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "deleted %s\n", shortID)
		return nil
	}
	p, err := c.Get(ctx, shortID, "")
	if client.PasswordRequired(err) {
		pw, perr := prompt(stderr, "Password: ")
		if perr != nil {
			return perr
		}
		p, err = c.Get(ctx, shortID, pw)
	}
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, p.Content)
	return nil
}

func prompt(w io.Writer, label string) (string, error) {
	fmt.Fprint(w, label)
	pw, err := readPassword()
	fmt.Fprintln(w)
	if err != nil {
		return "", errors.Wrap(err, "read password")
	}
	return string(pw), nil
}
