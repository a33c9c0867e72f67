package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/redotail/redotail/pkg/builder"
	"github.com/redotail/redotail/pkg/charset"
	"github.com/redotail/redotail/pkg/client"
	"github.com/redotail/redotail/pkg/config"
	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/log"
	"github.com/redotail/redotail/pkg/memory"
	"github.com/redotail/redotail/pkg/metadata"
	"github.com/redotail/redotail/pkg/metrics"
	"github.com/redotail/redotail/pkg/parser"
	"github.com/redotail/redotail/pkg/reader"
	"github.com/redotail/redotail/pkg/replicator"
	"github.com/redotail/redotail/pkg/transaction"
	"github.com/redotail/redotail/pkg/writer"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "redotail",
	Short: "Redotail - change data capture from database redo logs",
	Long: `Redotail tails a database's redo log files, reconstructs logical
transactions from low-level block change vectors, and streams row-level
change events to a downstream client in JSON or tagged-binary form.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Redotail version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(clientCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start replication",
	Long: `Start the replication pipeline: discover redo log files, parse them
into transactions and stream committed changes to the configured target.
Replication resumes from the last client-confirmed checkpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		return runReplication(cfg)
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "Print a redo log file's header and block summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dumpLogFile(args[0])
	},
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Connect to a redotail server and print the change stream",
	Long: `A reference client: connects to a running redotail server, prints
every received change message to stdout and acknowledges applied positions.
Useful for smoke-testing a deployment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("address")
		database, _ := cmd.Flags().GetString("database")
		startScn, _ := cmd.Flags().GetUint64("start-scn")

		cl, err := client.Connect(client.Config{
			Address:  addr,
			Database: database,
			StartScn: startScn,
		})
		if err != nil {
			return err
		}
		defer cl.Close()

		return cl.Run(func(m client.Message) error {
			_, err := fmt.Fprintf(os.Stdout, "%s\n", m.Payload)
			return err
		})
	},
}

func init() {
	runCmd.Flags().String("config", "redotail.json", "Path to the configuration file")
	clientCmd.Flags().String("address", "127.0.0.1:7777", "Server address")
	clientCmd.Flags().String("database", "", "Database name to subscribe to")
	clientCmd.Flags().Uint64("start-scn", 0, "Start SCN when the server has no prior state")
}

func runReplication(cfg *config.Config) error {
	c := ctx.New()
	c.DisableChecks = ctx.DisableChecks(cfg.DisableChecks)
	c.TraceMask = ctx.Trace(cfg.TraceMask)

	if err := metrics.Register(); err != nil {
		return err
	}
	metrics.SetVersion(Version)
	if cfg.Metrics.Bind != "" {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Bind); err != nil {
				log.Errorf(10030, "metrics server failed", err)
			}
		}()
	}

	mem := memory.NewManager(c, memory.Config{
		MinChunks:       cfg.Memory.MinMb,
		MaxChunks:       cfg.Memory.MaxMb,
		SwapChunks:      cfg.Memory.SwapMb,
		ReadBufferMin:   2,
		ReadBufferMax:   cfg.Reader.ReadBufferMaxMb,
		WriteBufferMin:  2,
		WriteBufferMax:  cfg.Memory.MaxMb / 2,
		UnswapBufferMin: 1,
		SwapPath:        cfg.Memory.SwapPath,
	})

	store, err := openStateStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	meta := metadata.New(c, store, cfg.Database)
	schema, err := metadata.NewSchema(store)
	if err != nil {
		return err
	}

	decoder, err := resolveDecoder(cfg)
	if err != nil {
		return err
	}

	bld := builder.New(c, mem, schema, builder.Config{
		Format:       cfg.Format,
		ColumnFormat: cfg.ColumnFormat,
		Charset:      decoder,
	})
	txns := transaction.New(c, mem, transaction.Config{
		SkipXids:    cfg.SkipXidSet(),
		SizeMax:     cfg.TransactionMaxMb * 1024 * 1024,
		TooBigFatal: cfg.TooBigFatal,
	})
	prs := parser.New(c, mem, txns, bld)

	transport, err := openTransport(c, cfg)
	if err != nil {
		return err
	}
	defer transport.Close()

	// First signal asks for a graceful stop, a second one is immediate.
	// Closing the transport unblocks a writer parked in accept.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown requested")
		c.StopSoft()
		transport.Close()
		<-sigCh
		log.Info("immediate shutdown requested")
		c.StopHard()
	}()

	wrt := writer.New(c, bld, meta, transport, writer.Config{
		Database:            cfg.Database,
		QueueSize:           cfg.Writer.QueueSize,
		CheckpointIntervalS: cfg.Writer.CheckpointIntervalS,
		StartScn:            cfg.Writer.StartScn,
		StartSeq:            cfg.Writer.StartSeq,
	})

	rep, err := replicator.New(c, cfg, mem, meta, prs)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	var errMtx sync.Mutex
	var firstErr error

	fail := func(err error) {
		if err == nil {
			return
		}
		errMtx.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMtx.Unlock()
		log.Errorf(ctx.CodeOf(err), "fatal error", err)
		c.StopHard()
	}

	// Periodic status line with uptime, the memory high-water mark and the
	// number of active transactions.
	statusDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-ticker.C:
				log.Info(fmt.Sprintf("uptime: %s, memory hwm: %d MB, transactions: %d",
					time.Since(start).Round(time.Second), mem.HighWater(), txns.Active()))
			case <-statusDone:
				return
			}
		}
	}()
	defer close(statusDone)

	var swapperWg sync.WaitGroup
	swapperWg.Add(1)
	go func() {
		defer swapperWg.Done()
		fail(mem.RunSwapper())
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		fail(wrt.Run())
		bld.Wake()
	}()
	go func() {
		defer wg.Done()
		fail(rep.Run())
		bld.Wake()
	}()

	wg.Wait()
	txns.DrainAll()

	// The pipeline is drained; release the swapper and collect it.
	c.StopSoft()
	swapperWg.Wait()

	errMtx.Lock()
	defer errMtx.Unlock()
	if firstErr != nil {
		return firstErr
	}
	log.Info("replication finished")
	return nil
}

func openStateStore(cfg *config.Config) (metadata.Store, error) {
	switch cfg.State.Backend {
	case config.StateBackendBolt:
		return metadata.NewBoltStore(cfg.State.Path)
	default:
		return metadata.NewDirStore(cfg.State.Path)
	}
}

func resolveDecoder(cfg *config.Config) (*charset.Decoder, error) {
	if cfg.CharFormat == config.CharFormatNoMapping {
		return charset.NoMapping(), nil
	}
	return charset.Get(cfg.Charset)
}

func openTransport(c *ctx.Ctx, cfg *config.Config) (writer.Transport, error) {
	switch cfg.Writer.Type {
	case "network":
		return writer.NewNetworkTransport(c, cfg.Database, cfg.Writer.Uri)
	default:
		return writer.NewFileTransport(cfg.Writer.Uri)
	}
}

// dumpLogFile prints the header and a per-block validation summary of one
// redo log file, reusing the reader's parsing.
func dumpLogFile(path string) error {
	c := ctx.New()
	mem := memory.NewManager(c, memory.Config{
		MinChunks:      2,
		MaxChunks:      8,
		ReadBufferMin:  1,
		ReadBufferMax:  4,
		WriteBufferMin: 1,
		WriteBufferMax: 4,
		SwapPath:       os.TempDir(),
	})

	rd := reader.New(c, mem, reader.Config{
		Database:     "dump",
		Group:        0,
		BufferChunks: 4,
		ReadSleepUs:  1000,
	})
	go rd.Run()
	defer c.StopHard()

	if ret := rd.Check(path); ret != reader.CodeOK {
		return fmt.Errorf("file %s: open failed with %s", path, ret)
	}
	if ret := rd.Update(); ret != reader.CodeOK {
		return fmt.Errorf("file %s: header reload failed with %s", path, ret)
	}

	h := rd.Header()
	fmt.Printf("file:           %s\n", path)
	fmt.Printf("database:       %s (id %d)\n", h.DatabaseName, h.DatabaseId)
	fmt.Printf("block size:     %d\n", h.BlockSize)
	fmt.Printf("sequence:       %s\n", h.Sequence)
	fmt.Printf("blocks:         %d\n", h.NumBlocks)
	fmt.Printf("resetlogs:      %d (scn %s)\n", h.Resetlogs, h.ResetlogsScn)
	fmt.Printf("activation:     %d\n", h.Activation)
	fmt.Printf("thread:         %d\n", h.ThreadId)
	fmt.Printf("first scn:      %s at %s\n", h.FirstScn, h.FirstTime.Decode().Format("2006-01-02 15:04:05"))
	fmt.Printf("next scn:       %s\n", h.NextScn)
	fmt.Printf("compat version: 0x%08x\n", h.CompatVsn)

	rd.StartReading()
	for !rd.Sleeping() {
		end, _, more := rd.WaitForData(rd.BufferStart())
		rd.Confirm(end)
		if !more {
			break
		}
	}
	fmt.Printf("result:         %s\n", rd.Result())
	fmt.Printf("validated:      %d bytes\n", rd.BufferEnd())
	return nil
}
