// Command moderator manages posting bans and screens sample text against
// the moderation filter.
//
//	moderator check <text...>
//	moderator status <user>
//	moderator ban [-for 1h] [-reason text] <user>
//	moderator unban <user>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/whisper/convo/internal/ban"
	"github.com/whisper/convo/internal/moderation"
	"github.com/whisper/convo/internal/session"
)

type Config struct {
	RedisAddr  string `env:"REDIS_ADDR,default=localhost:6379"`
	BlockLinks bool   `env:"MODERATION_BLOCK_LINKS,default=false"`
	Terms      string `env:"MODERATION_TERMS"`
}

var errUsage = errors.New("usage: moderator check|status|ban|unban ...")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "moderator: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if len(args) == 0 {
		return errUsage
	}

	cmd, args := args[0], args[1:]
	if cmd == "check" {
		return check(newFilter(cfg), strings.Join(args, " "), out)
	}

	sessions, err := session.NewStore(cfg.RedisAddr, "moderator")
	if err != nil {
		return err
	}
	defer sessions.Close()
	bans := ban.NewStore(sessions.Client())

	switch cmd {
	case "status":
		return status(ctx, bans, sessions, args, out)
	case "ban":
		fset := flag.NewFlagSet("ban", flag.ContinueOnError)
		dur := fset.Duration("for", ban.Ban1Hour, "ban duration")
		reason := fset.String("reason", "banned by moderator", "reason shown to the user")
		if err := fset.Parse(args); err != nil {
			return err
		}
		if fset.NArg() != 1 {
			return errUsage
		}
		user := fset.Arg(0)
		if err := bans.Ban(ctx, user, *dur, *reason); err != nil {
			return fmt.Errorf("ban %s: %w", user, err)
		}
		fmt.Fprintf(out, "%s banned for %s\n", user, *dur)
		return nil
	case "unban":
		if len(args) != 1 {
			return errUsage
		}
		if err := bans.Unban(ctx, args[0]); err != nil {
			return fmt.Errorf("unban %s: %w", args[0], err)
		}
		fmt.Fprintf(out, "%s unbanned\n", args[0])
		return nil
	default:
		return errUsage
	}
}

func newFilter(cfg Config) *moderation.Filter {
	var opts []moderation.Option
	if cfg.BlockLinks {
		opts = append(opts, moderation.WithLinkBlocking())
	}
	if strings.TrimSpace(cfg.Terms) == "" {
		return moderation.NewFilter(opts...)
	}
	return moderation.NewFilterWithTerms(strings.Split(cfg.Terms, ","), opts...)
}

func check(f *moderation.Filter, text string, out io.Writer) error {
	if text == "" {
		return errUsage
	}
	res := f.Check(text)
	if !res.Blocked {
		fmt.Fprintln(out, "CLEAN")
		return nil
	}
	fmt.Fprintf(out, "BLOCKED reason=%s term=%q\n", res.Reason, res.Term)
	return nil
}

func status(ctx context.Context, bans *ban.Store, sessions *session.Store, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errUsage
	}
	user := args[0]
	st, err := bans.Check(ctx, user)
	if err != nil {
		return err
	}
	n, err := bans.Violations(ctx, user)
	if err != nil {
		return fmt.Errorf("violations %s: %w", user, err)
	}
	conns, err := sessions.UserConnections(ctx, user)
	if err != nil {
		return fmt.Errorf("connections %s: %w", user, err)
	}
	if st.Banned {
		fmt.Fprintf(out, "%s banned (%s), %s remaining, %d violations, %d connections\n",
			user, st.Reason, st.Remaining.Round(time.Second), n, len(conns))
		return nil
	}
	fmt.Fprintf(out, "%s not banned, %d violations, %d connections\n", user, n, len(conns))
	return nil
}
