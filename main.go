package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/cenkalti/backoff"
	"github.com/getsentry/raven-go"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/urfave/cli"

	"github.com/postmates/go-dynastream/dynastream"
	"github.com/postmates/go-dynastream/relay"
)

var LOG_INTERVAL = 10 * time.Second
var CHECKPOINT_INTERVAL = 10 * time.Second

func openStreamConfig(streamName string) *dynastream.StreamConfig {
	fname := os.Getenv("DYNASTREAM_CONFIG")
	if fname == "" {
		log.Fatalln("DYNASTREAM_CONFIG not specified")
	}

	f, err := os.Open(fname)
	if err != nil {
		log.Fatalln("Failed to open config", err)
	}
	defer f.Close()

	c, err := dynastream.NewConfigFromFile(f)
	if err != nil {
		log.Fatalln("Failed to load config", err)
	}

	sc, err := c.ConfigForName(streamName)
	if err != nil {
		log.Fatalln("Failed to load config for stream", err)
	}

	return sc
}

// lib/pq accepts both postgres:// and postgresql:// URLs.
func dbDriver(dbURL string) string {
	if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
		return "postgres"
	}
	return "sqlite3"
}

func openDB(dbURL string) *sql.DB {
	driver := dbDriver(dbURL)

	db, err := sql.Open(driver, dbURL)
	if err != nil {
		log.Fatalln("Failed to open db", err)
	}

	if driver == "sqlite3" {
		// only for sqlite
		db.SetMaxOpenConns(1)
	}

	return db
}

func openStreamsService(sc *dynastream.StreamConfig) dynastream.StreamsService {
	sess := session.Must(session.NewSession())
	return dynastream.NewStreamsService(sess, sc.RegionName)
}

func resolveStreamArn(ctx context.Context, svc dynastream.StreamsService, sc *dynastream.StreamConfig) string {
	if sc.StreamArn != "" {
		return sc.StreamArn
	}

	arn, err := dynastream.LookupStreamArn(ctx, svc, sc.TableName)
	if err != nil {
		log.Fatalln("Failed to find stream for table", sc.TableName, err)
	}
	return arn
}

// captureFatal reports a consume loop's fatal error before it unwinds the
// process.
func captureFatal(streamName string, err error) error {
	if err != nil {
		raven.CaptureErrorAndWait(err,
			map[string]string{
				"stream":        streamName,
				"error_message": err.Error()})
	}
	return err
}

// fileCheckpointer keeps the resume token in a local file, for commands
// where a database would be overkill.
type fileCheckpointer struct {
	path string
}

func (f *fileCheckpointer) Checkpoint(tok *dynastream.Token) error {
	if tok == nil {
		return nil
	}
	data, err := tok.Marshal()
	if err != nil {
		return err
	}
	return ioutil.WriteFile(f.path, data, 0644)
}

func (f *fileCheckpointer) LastToken() (*dynastream.Token, error) {
	data, err := ioutil.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return dynastream.ParseToken(data)
}

// consumeLoop reads the merged stream until a quit signal or an error,
// handing every record to handle. Empty reads back off exponentially up to
// a bound; checkpoints are cut periodically and once more on the way out.
func consumeLoop(ctx context.Context, coord *dynastream.Coordinator, ck dynastream.Checkpointer,
	handle func(*dynastream.Record) error, sigs chan os.Signal, pollInterval time.Duration) error {

	logTime := time.Now()
	recCount := 0

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pollInterval
	bo.MaxInterval = 10 * pollInterval
	bo.MaxElapsedTime = 0

	lastCheckpoint := time.Now()

	checkpoint := func() error {
		if ck == nil {
			return nil
		}
		tok := coord.Token()
		save := func() error { return ck.Checkpoint(tok) }
		if err := backoff.Retry(save, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)); err != nil {
			return fmt.Errorf("Failed to checkpoint: %v", err)
		}
		lastCheckpoint = time.Now()
		return nil
	}

	for {
		select {
		case <-sigs:
			log.Println("Quit signal received")
			return checkpoint()
		default:
		}

		if time.Since(logTime) >= LOG_INTERVAL {
			log.Printf("Emitted %d records", recCount)
			logTime = time.Now()
			recCount = 0
		}

		rec, err := coord.Next(ctx)
		if err != nil {
			return err
		}

		for _, w := range coord.Warnings() {
			log.Println("WARNING:", w.String())
		}

		if rec == nil {
			time.Sleep(bo.NextBackOff())
			continue
		}
		bo.Reset()

		recCount++
		if err := handle(rec); err != nil {
			return err
		}

		if time.Since(lastCheckpoint) >= CHECKPOINT_INTERVAL {
			if err := checkpoint(); err != nil {
				return err
			}
		}
	}
}

func buildCoordinator(ctx context.Context, sc *dynastream.StreamConfig, svc dynastream.StreamsService,
	arn string, ck dynastream.Checkpointer, skipToLatest, fromHorizon bool) (*dynastream.Coordinator, error) {

	params, err := sc.CoordinatorParams(svc)
	if err != nil {
		return nil, err
	}
	params.StreamArn = arn

	if !skipToLatest && ck != nil {
		tok, err := ck.LastToken()
		if err != nil {
			return nil, fmt.Errorf("Failed to load last token: %v", err)
		}
		if tok != nil {
			log.Printf("Resuming %s from checkpoint", arn)
			params.Token = tok
			return dynastream.NewCoordinator(ctx, params)
		}
	}

	if fromHorizon {
		log.Printf("Opening %s at TRIM_HORIZON", arn)
		params.Position = dynastream.TrimHorizon
	} else {
		log.Printf("Opening %s at LATEST", arn)
		params.Position = dynastream.Latest
	}
	return dynastream.NewCoordinator(ctx, params)
}

// Tail Command
//
// Follow the merged stream and print each record as a line of JSON.
func tail(streamName, tokenFile string, fromHorizon bool, pollInterval time.Duration) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ctx := context.Background()
	sc := openStreamConfig(streamName)
	svc := openStreamsService(sc)
	arn := resolveStreamArn(ctx, svc, sc)

	var ck dynastream.Checkpointer
	if tokenFile != "" {
		ck = &fileCheckpointer{path: tokenFile}
	}

	coord, err := buildCoordinator(ctx, sc, svc, arn, ck, false, fromHorizon)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	return captureFatal(streamName, consumeLoop(ctx, coord, ck, func(rec *dynastream.Record) error {
		m, err := rec.Map()
		if err != nil {
			return err
		}
		return enc.Encode(m)
	}, sigs, pollInterval))
}

// List Shards Command
//
// Print the stream's shard lineage.
func listShards(streamName string) error {
	ctx := context.Background()
	sc := openStreamConfig(streamName)
	svc := openStreamsService(sc)
	arn := resolveStreamArn(ctx, svc, sc)

	shards, err := dynastream.ListShards(ctx, svc, arn)
	if err != nil {
		return err
	}

	for _, sh := range shards {
		state := "open"
		ending := ""
		if sh.SequenceNumberRange != nil && sh.SequenceNumberRange.EndingSequenceNumber != nil {
			state = "closed"
			ending = *sh.SequenceNumberRange.EndingSequenceNumber
		}
		starting := ""
		if sh.SequenceNumberRange != nil && sh.SequenceNumberRange.StartingSequenceNumber != nil {
			starting = *sh.SequenceNumberRange.StartingSequenceNumber
		}
		fmt.Printf("%s %s parent=%s range=[%s, %s]\n",
			aws.StringValue(sh.ShardId), state, aws.StringValue(sh.ParentShardId), starting, ending)
	}
	return nil
}

// Spool Command
//
// Consume the merged stream into spool files and, with a bucket configured,
// ship them to S3. Progress is checkpointed in a database so a restart
// carries on where it stopped.
func spool(streamName, bucketName, dbURL string, skipToLatest bool, pollInterval time.Duration) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ctx := context.Background()
	sc := openStreamConfig(streamName)
	svc := openStreamsService(sc)
	arn := resolveStreamArn(ctx, svc, sc)

	db := openDB(dbURL)
	defer db.Close()

	ck, err := dynastream.NewCheckpointer("dynastream-spool", arn, db)
	if err != nil {
		return err
	}

	coord, err := buildCoordinator(ctx, sc, svc, arn, ck, skipToLatest, false)
	if err != nil {
		return err
	}

	var up *dynastream.S3Uploader
	if bucketName != "" {
		sess := session.Must(session.NewSession())
		up = dynastream.NewS3Uploader(sess, bucketName)
	}

	sp := dynastream.NewSpool(sc.TableName, up)
	defer sp.Close()

	return captureFatal(streamName, consumeLoop(ctx, coord, ck, sp.PutRecord, sigs, pollInterval))
}

// Forward Command
//
// Consume the merged stream and push each record to a zeromq endpoint.
func forward(streamName, endpoint, dbURL string, skipToLatest bool, pollInterval time.Duration) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ctx := context.Background()
	sc := openStreamConfig(streamName)
	svc := openStreamsService(sc)
	arn := resolveStreamArn(ctx, svc, sc)

	db := openDB(dbURL)
	defer db.Close()

	ck, err := dynastream.NewCheckpointer("dynastream-forward", arn, db)
	if err != nil {
		return err
	}

	coord, err := buildCoordinator(ctx, sc, svc, arn, ck, skipToLatest, false)
	if err != nil {
		return err
	}

	client, err := relay.NewClient(relay.WithZMQEndpoint(endpoint))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client.Close(closeCtx)
		cancel()
	}()

	return captureFatal(streamName, consumeLoop(ctx, coord, ck, func(rec *dynastream.Record) error {
		return relay.PutRecord(ctx, client, streamName, rec)
	}, sigs, pollInterval))
}

func main() {
	pollFlag := cli.DurationFlag{
		Name:  "poll-interval",
		Usage: "Base delay between polls when the stream is idle",
		Value: 250 * time.Millisecond,
	}
	dbFlag := cli.StringFlag{
		Name:   "db",
		Usage:  "Checkpoint database (sqlite file or postgres:// url)",
		Value:  "dynastream.db",
		EnvVar: "DYNASTREAM_DB",
	}

	app := cli.NewApp()
	app.Name = "dynastream"
	app.Usage = "Utilities for consuming DynamoDB Streams"
	app.Version = "0.1.0"
	app.Commands = []cli.Command{
		{
			Name:    "tail",
			Aliases: []string{"t"},
			Usage:   "follow a stream, printing records as JSON",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "stream",
					Usage: "Named stream from the config",
				},
				cli.StringFlag{
					Name:  "token-file",
					Usage: "File to load/save the resume token",
				},
				cli.BoolFlag{
					Name:  "from-horizon",
					Usage: "Start from the oldest retained records instead of LATEST",
				},
				pollFlag,
			},
			Action: func(c *cli.Context) error {
				if c.String("stream") == "" {
					fmt.Fprintln(os.Stderr, "stream name required")
					cli.ShowSubcommandHelp(c)
					os.Exit(1)
				}

				return tail(c.String("stream"), c.String("token-file"),
					c.Bool("from-horizon"), c.Duration("poll-interval"))
			},
		},
		{
			Name:  "shards",
			Usage: "list shard lineage for a stream",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "stream",
					Usage: "Named stream from the config",
				},
			},
			Action: func(c *cli.Context) error {
				if c.String("stream") == "" {
					fmt.Fprintln(os.Stderr, "stream name required")
					cli.ShowSubcommandHelp(c)
					os.Exit(1)
				}

				return listShards(c.String("stream"))
			},
		},
		{
			Name:    "spool",
			Aliases: []string{"s"},
			Usage:   "spool stream records to files and S3",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "stream",
					Usage: "Named stream from the config",
				},
				cli.StringFlag{
					Name:   "bucket",
					Usage:  "Destination S3 bucket (empty keeps files local)",
					EnvVar: "DYNASTREAM_BUCKET",
				},
				cli.BoolFlag{
					Name:  "skip-to-latest",
					Usage: "Skip to latest in stream (ignoring previous checkpoints)",
				},
				dbFlag,
				pollFlag,
			},
			Action: func(c *cli.Context) error {
				if c.String("stream") == "" {
					fmt.Fprintln(os.Stderr, "stream name required")
					cli.ShowSubcommandHelp(c)
					os.Exit(1)
				}

				return spool(c.String("stream"), c.String("bucket"), c.String("db"),
					c.Bool("skip-to-latest"), c.Duration("poll-interval"))
			},
		},
		{
			Name:    "forward",
			Aliases: []string{"f"},
			Usage:   "forward stream records to a zeromq endpoint",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "stream",
					Usage: "Named stream from the config",
				},
				cli.StringFlag{
					Name:  "endpoint",
					Usage: "zeromq push endpoint",
					Value: "tcp://127.0.0.1:3515",
				},
				cli.BoolFlag{
					Name:  "skip-to-latest",
					Usage: "Skip to latest in stream (ignoring previous checkpoints)",
				},
				dbFlag,
				pollFlag,
			},
			Action: func(c *cli.Context) error {
				if c.String("stream") == "" {
					fmt.Fprintln(os.Stderr, "stream name required")
					cli.ShowSubcommandHelp(c)
					os.Exit(1)
				}

				return forward(c.String("stream"), c.String("endpoint"), c.String("db"),
					c.Bool("skip-to-latest"), c.Duration("poll-interval"))
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}
