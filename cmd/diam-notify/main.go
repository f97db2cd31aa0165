// diam-notify announces a document mutation to running diam-server
// instances.
//
//	diam-notify --document 7 --owner alice --begin 10 --end 20
//
// Without --begin and --end the whole document is marked changed.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"collabtext/diam/internal/bus"
)

var logger = loggo.GetLogger("diam.notify")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		redisAddr  string
		channel    string
		documentID int64
		owner      string
		begin, end int
	)
	fs := pflag.NewFlagSet("diam-notify", pflag.ContinueOnError)
	fs.StringVar(&redisAddr, "redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	fs.StringVar(&channel, "events-channel", bus.DefaultEventsChannel, "channel carrying mutation events")
	fs.Int64Var(&documentID, "document", 0, "changed document id")
	fs.StringVar(&owner, "owner", "", "data owner whose annotations changed; empty for every owner")
	fs.IntVar(&begin, "begin", 0, "start of the changed range")
	fs.IntVar(&end, "end", 0, "end of the changed range")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var ev bus.MutationEvent
	if fs.Changed("begin") || fs.Changed("end") {
		ev = bus.NewRangeEvent(documentID, owner, begin, end)
	} else {
		ev = bus.NewDocumentEvent(documentID, owner)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() { _ = rdb.Close() }()
	if err := bus.Announce(ctx, bus.NewRedis(rdb), channel, ev); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("announced %s event %s for document %d", ev.Kind, ev.ID, ev.DocumentID)
	return nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
