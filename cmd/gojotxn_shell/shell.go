package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/sushant-115/gojotxn/core/database"
	"github.com/sushant-115/gojotxn/core/transaction/xa"
)

// xaFormatID tags the branch identifiers typed at the shell.
const xaFormatID int32 = 0x73686c6c

// shell runs commands against a database. Data and demarcation commands use
// sess; xa verbs drive xaSess, opened on first use, and data commands go to
// it while it has a branch associated.
type shell struct {
	db     *database.Database
	sess   *database.Session
	xaSess *database.Session
	out    io.Writer
}

func newShell(db *database.Database, out io.Writer) (*shell, error) {
	sess, err := db.NewSession()
	if err != nil {
		return nil, err
	}
	return &shell{db: db, sess: sess, out: out}, nil
}

// current is the session data commands run on.
func (sh *shell) current() *database.Session {
	if sh.xaSess != nil && sh.xaSess.Associated() {
		return sh.xaSess
	}
	return sh.sess
}

func (sh *shell) externalSession() (*database.Session, error) {
	if sh.xaSess == nil {
		sess, err := sh.db.NewSession()
		if err != nil {
			return nil, err
		}
		sh.xaSess = sess
	}
	return sh.xaSess, nil
}

func usage(format string) error { return fmt.Errorf("usage: %s", format) }

func (sh *shell) run(ctx context.Context, args []string) error {
	switch strings.ToLower(args[0]) {
	case "put":
		if len(args) < 4 {
			return usage("put <store> <key> <value>")
		}
		if err := sh.current().Put(ctx, args[1], []byte(args[2]), []byte(strings.Join(args[3:], " "))); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "OK")
	case "get":
		if len(args) != 3 {
			return usage("get <store> <key>")
		}
		v, found, err := sh.current().Get(ctx, args[1], []byte(args[2]))
		switch {
		case err != nil:
			return err
		case !found:
			fmt.Fprintln(sh.out, "(not found)")
		default:
			fmt.Fprintln(sh.out, string(v))
		}
	case "delete":
		if len(args) != 3 {
			return usage("delete <store> <key>")
		}
		if err := sh.current().Delete(ctx, args[1], []byte(args[2])); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "OK")
	case "scan":
		if len(args) < 2 || len(args) > 3 {
			return usage("scan <store> [prefix]")
		}
		var prefix []byte
		if len(args) == 3 {
			prefix = []byte(args[2])
		}
		return sh.scan(ctx, args[1], prefix)
	case "autocommit":
		if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
			return usage("autocommit on|off")
		}
		if err := sh.sess.SetAutoCommit(ctx, args[1] == "on"); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "OK")
	case "commit":
		if err := sh.sess.Commit(ctx); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "OK")
	case "rollback":
		if err := sh.sess.Rollback(ctx); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "OK")
	case "xa":
		if len(args) < 2 {
			return usage("xa start|end|prepare|commit|rollback|forget|timeout ...")
		}
		return sh.xaCommand(ctx, strings.ToLower(args[1]), args[2:])
	case "stores":
		names := sh.db.Stores()
		sort.Strings(names)
		fmt.Fprintln(sh.out, strings.Join(names, " "))
	case "status":
		mode := "auto-commit"
		if !sh.sess.AutoCommit() {
			mode = "explicit"
		}
		holder := string(sh.db.WriteLock().Holder())
		if holder == "" {
			holder = "-"
		}
		fmt.Fprintf(sh.out, "session %s: %s, %d open transaction(s), write lock held by %s\n",
			sh.sess.Owner(), mode, len(sh.sess.Transactions()), holder)
		if sh.xaSess != nil {
			fmt.Fprintf(sh.out, "xa session %s: associated=%t, %d open branch(es)\n",
				sh.xaSess.Owner(), sh.xaSess.Associated(), len(sh.xaSess.Transactions()))
		}
	case "help":
		sh.help()
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
	return nil
}

func (sh *shell) scan(ctx context.Context, store string, prefix []byte) error {
	c, err := sh.current().Query(ctx, store, prefix)
	if err != nil {
		return err
	}
	n := 0
	for c.Next() {
		fmt.Fprintf(sh.out, "%s = %s\n", c.Key(), c.Value())
		n++
	}
	if err := c.Err(); err != nil {
		_ = c.Close()
		return err
	}
	fmt.Fprintf(sh.out, "(%d entries)\n", n)
	return c.Close()
}

func parseXid(args []string) (xa.ID, []string, error) {
	if len(args) < 2 {
		return xa.ID{}, nil, usage("xa <verb> <gtrid> <bqual> ...")
	}
	return xa.NewID(xaFormatID, []byte(args[0]), []byte(args[1])), args[2:], nil
}

var (
	startFlags = map[string]xa.Flags{"": xa.TMNoFlags, "join": xa.TMJoin, "resume": xa.TMResume}
	endFlags   = map[string]xa.Flags{"": xa.TMSuccess, "success": xa.TMSuccess, "fail": xa.TMFail, "suspend": xa.TMSuspend}
)

func optionalArg(rest []string) string {
	if len(rest) == 0 {
		return ""
	}
	return strings.ToLower(rest[0])
}

func (sh *shell) xaCommand(ctx context.Context, verb string, args []string) error {
	xaSess, err := sh.externalSession()
	if err != nil {
		return err
	}
	res, err := xaSess.XAResource()
	if err != nil {
		return err
	}
	if verb == "timeout" {
		if len(args) == 0 {
			secs, err := res.TransactionTimeout()
			if err != nil {
				return err
			}
			fmt.Fprintf(sh.out, "%ds\n", secs)
			return nil
		}
		secs, err := strconv.Atoi(args[0])
		if err != nil {
			return usage("xa timeout [seconds]")
		}
		_, err = res.SetTransactionTimeout(secs)
		return err
	}

	xid, rest, err := parseXid(args)
	if err != nil {
		return err
	}
	switch verb {
	case "start":
		if optionalArg(rest) == "ro" {
			if res, err = xaSess.ReadOnlyXAResource(); err != nil {
				return err
			}
			rest = rest[1:]
		}
		flags, ok := startFlags[optionalArg(rest)]
		if !ok {
			return usage("xa start <gtrid> <bqual> [ro] [join|resume]")
		}
		err = res.Start(ctx, xid, flags)
	case "end":
		flags, ok := endFlags[optionalArg(rest)]
		if !ok {
			return usage("xa end <gtrid> <bqual> [success|fail|suspend]")
		}
		err = res.End(ctx, xid, flags)
	case "prepare":
		var vote xa.Vote
		if vote, err = res.Prepare(ctx, xid); err == nil {
			fmt.Fprintln(sh.out, vote)
			return nil
		}
	case "commit":
		err = res.Commit(ctx, xid, optionalArg(rest) == "1p")
	case "rollback":
		err = res.Rollback(ctx, xid)
	case "forget":
		err = res.Forget(ctx, xid)
	default:
		return fmt.Errorf("unknown xa verb %q", verb)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(sh.out, "OK")
	return nil
}

func (sh *shell) help() {
	for _, line := range []string{
		"Commands:",
		"  put <store> <key> <value>",
		"  get <store> <key>",
		"  delete <store> <key>",
		"  scan <store> [prefix]",
		"  autocommit on|off",
		"  commit",
		"  rollback",
		"  xa start <gtrid> <bqual> [ro] [join|resume]",
		"  xa end <gtrid> <bqual> [success|fail|suspend]",
		"  xa prepare|rollback|forget <gtrid> <bqual>",
		"  xa commit <gtrid> <bqual> [1p]",
		"  xa timeout [seconds]",
		"  stores",
		"  status",
		"  help",
		"  exit / quit",
	} {
		fmt.Fprintln(sh.out, line)
	}
}
