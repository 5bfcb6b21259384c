// Package main starts a NanoFlow server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/micromdm/nanoflow/engine"
	enginehttp "github.com/micromdm/nanoflow/engine/http"
	"github.com/micromdm/nanoflow/executor"
	httpflow "github.com/micromdm/nanoflow/http"
	"github.com/micromdm/nanoflow/log/logkeys"
	flowhttp "github.com/micromdm/nanoflow/subsystem/flow/http"
	"github.com/micromdm/nanoflow/utils/uuid"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/envflag"
	nanohttp "github.com/micromdm/nanolib/http"
	"github.com/micromdm/nanolib/http/trace"
	"github.com/micromdm/nanolib/log/stdlogfmt"
)

// overridden by -ldflags -X
var version = "unknown"

const (
	apiUsername = "nanoflow"
	apiRealm    = "nanoflow"
)

func main() {
	var (
		flDebug    = flag.Bool("debug", false, "log debug messages")
		flListen   = flag.String("listen", ":9004", "HTTP listen address")
		flVersion  = flag.Bool("version", false, "print version and exit")
		flDump     = flag.Bool("dump", false, "dump API request bodies")
		flAPIKey   = flag.String("api", "", "API key for API endpoints")
		flAgentURL = flag.String("agent-url", "", "URL of the device agent (http, https, ws, or wss)")
		flAgentAPI = flag.String("agent-api", "", "device agent API key")
		flAgentRPS = flag.Float64("agent-rate", 0, "maximum device agent commands per second (0 is unlimited)")
		flStorage  = flag.String("storage", "file", "name of storage backend")
		flDSN      = flag.String("storage-dsn", "", "data source name (e.g. connection string or path)")
		flOptions  = flag.String("storage-options", "", "storage backend options")
		flArchive  = flag.String("archive-url", "", "blob bucket URL for finished job reports")
		flWorkSec  = flag.Uint("worker-interval", uint(engine.DefaultDuration/time.Second), "interval for worker in seconds")
		flTaskSec  = flag.Uint("task-timeout", uint(engine.DefaultTaskTimeout/time.Second), "default task timeout in seconds")
		flPollMS   = flag.Uint("poll-interval", uint(executor.DefaultPollInterval/time.Millisecond), "default element poll interval in milliseconds")
		flRetries  = flag.Int("max-retries", engine.DefaultMaxRetries, "default job retry budget")
	)
	envflag.Parse("NANOFLOW_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	if *flAgentURL == "" {
		logger.Info(logkeys.Error, "agent URL required")
		os.Exit(1)
	}

	// configure storage
	storage, err := parseStorage(*flStorage, *flDSN, *flOptions)
	if err != nil {
		logger.Info(logkeys.Message, "parse storage", logkeys.Error, err)
		os.Exit(1)
	}

	// configure how we send commands to devices
	agent, err := parseAgent(*flAgentURL, *flAgentAPI, *flAgentRPS, logger.With("service", "agent"))
	if err != nil {
		logger.Info(logkeys.Message, "creating agent", logkeys.Error, err)
		os.Exit(1)
	}

	// configure the workflow engine
	exec := executor.New(
		executor.WithLogger(logger.With("service", "executor")),
		executor.WithPollInterval(time.Millisecond*time.Duration(*flPollMS)),
	)
	eOpts := []engine.Option{
		engine.WithLogger(logger.With("service", "engine")),
		engine.WithExecutor(exec),
		engine.WithMaxRetries(*flRetries),
	}
	if *flTaskSec > 0 {
		eOpts = append(eOpts, engine.WithTaskTimeout(time.Second*time.Duration(*flTaskSec)))
	}
	if *flArchive != "" {
		archive, closeArchive, err := openArchive(context.Background(), *flArchive, logger.With("service", "archive"))
		if err != nil {
			logger.Info(logkeys.Message, "opening archive", logkeys.Error, err)
			os.Exit(1)
		}
		defer closeArchive()
		eOpts = append(eOpts, engine.WithNotifier(archive))
	}
	e := engine.New(storage.engine, storage.flow, agent, eOpts...)
	defer e.Close()

	// pick up Jobs left behind by a previous process
	if err = e.Recover(context.Background()); err != nil {
		logger.Info(logkeys.Message, "recovering jobs", logkeys.Error, err)
		os.Exit(1)
	}

	// configure the engine worker that admits scheduled jobs
	var eWorker *engine.Worker
	if *flWorkSec > 0 {
		eWorker = engine.NewWorker(
			e,
			engine.WithWorkerLogger(logger.With("service", "engine worker")),
			engine.WithWorkerDuration(time.Second*time.Duration(*flWorkSec)),
		)
	}

	mux := flow.New()

	mux.Handle("/version", nanohttp.NewJSONVersionHandler(version))

	if *flAPIKey != "" {
		mux.Group(func(mux *flow.Mux) {
			mux.Use(func(h http.Handler) http.Handler {
				return nanohttp.NewSimpleBasicAuthHandler(h, apiUsername, *flAPIKey, apiRealm)
			})
			if *flDump {
				mux.Use(func(h http.Handler) http.Handler {
					return httpflow.DumpHandler(h, os.Stdout)
				})
			}

			enginehttp.HandleAPIv1("/v1", mux, logger, e)
			flowhttp.HandleAPIv1("/v1", mux, logger, storage.flow)
		})
	}

	if eWorker != nil {
		go func() {
			err := eWorker.Run(context.Background())
			logs := []interface{}{logkeys.Message, "engine worker stopped"}
			if err != nil {
				logger.Info(append(logs, logkeys.Error, err)...)
				return
			}
			logger.Debug(logs...)
		}()
	}

	logger.Info(logkeys.Message, "starting server", "listen", *flListen)
	err = http.ListenAndServe(*flListen, trace.NewTraceLoggingHandler(mux, logger.With("handler", "log"), newTraceID))
	logs := []interface{}{logkeys.Message, "server shutdown"}
	if err != nil {
		logs = append(logs, logkeys.Error, err)
	}
	logger.Info(logs...)
}

var traceIDs = uuid.NewULID()

// newTraceID generates a new HTTP trace ID for context logging.
func newTraceID(_ *http.Request) string {
	return traceIDs.ID()
}
