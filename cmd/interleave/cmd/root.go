package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amirkhaki/interleave/internal/config"
	"github.com/amirkhaki/interleave/internal/logging"
	"github.com/amirkhaki/interleave/pkg/engine"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "interleave",
	Short: "Systematic concurrency testing under a controlled scheduler",
	Long: `interleave runs a concurrent program many times, choosing every
interleaving and every controlled random value itself, and stops at the first
assertion failure, deadlock or liveness violation. The schedule of a failing
iteration is written out so it can be replayed exactly.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// exitError ends the process with code after the command printed its own
// output.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute adds all child commands to the root command and exits with the
// run's exit code.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	os.Exit(exitCode(os.Stderr, err))
}

func exitCode(w io.Writer, err error) int {
	if err == nil {
		return engine.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(w, "Error: %v\n", err)
	for _, h := range errors.GetAllHints(err) {
		fmt.Fprintf(w, "hint: %s\n", h)
	}
	return engine.ExitFatal
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	pf.Bool("log-json", false, "log in JSON instead of the console format")
	pf.CountP("verbose", "v", "increase log verbosity (-v info, -vv debug)")
	pf.String("store", config.StoreNone, "where to keep bug artifacts: none, memory, file, badger or redis")
	pf.String("store-path", "", "directory of the file and badger stores")
	pf.String("redis-addr", "localhost:6379", "address of the redis store")
	pf.String("redis-password", "", "password of the redis store")
	pf.Int("redis-db", 0, "database of the redis store")
	pf.String("redis-prefix", "interleave:artifact:", "key prefix of the redis store")
	pf.Duration("redis-ttl", 0, "expire redis artifacts after this long; 0 keeps them")
}

// setup loads the configuration of cmd and builds the logger.
func setup(cmd *cobra.Command, _ []string) error {
	v, err := config.New(cfgFile)
	if err != nil {
		return err
	}
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return errors.Wrap(err, "bind flags")
	}
	c, err := config.Load(v)
	if err != nil {
		return err
	}
	cfg = c
	logger = logging.New(logging.Options{JSON: c.Log.JSON, Verbosity: c.Log.Verbosity})
	logger.Debug("configuration loaded", zap.String(logging.FieldFile, v.ConfigFileUsed()))
	return nil
}
