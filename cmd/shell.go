package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/doma-engineering/goo-1.14/internal/arbiter"
	"github.com/doma-engineering/goo-1.14/internal/config"
	"github.com/doma-engineering/goo-1.14/internal/console"
	"github.com/doma-engineering/goo-1.14/internal/evaluator"
	"github.com/doma-engineering/goo-1.14/internal/session"
	"github.com/spf13/cobra"
)

var (
	prefix     string
	onEOF      string
	configPath string
	timeout    int
	maxOutput  int
	initScript string
)

func init() {
	// Prompt prefix flag with env var fallback
	defaultPrefix := ""
	if envPrefix := os.Getenv("GOO_PREFIX"); envPrefix != "" {
		defaultPrefix = envPrefix
	}
	rootCmd.Flags().StringVar(&prefix, "prefix", defaultPrefix, "Prompt prefix label")
	rootCmd.Flags().StringVar(&onEOF, "on-eof", "", "End-of-input policy (stop, halt)")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a .goo.yaml config file")
	rootCmd.Flags().IntVar(&timeout, "timeout", 0, "Per-evaluation timeout in seconds")
	rootCmd.Flags().IntVar(&maxOutput, "max-output", 0, "Maximum characters of an echoed result")
	rootCmd.Flags().StringVar(&initScript, "init", "", "Script evaluated when a worker starts")
}

func runShell(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if prefix != "" {
		cfg.Prefix = prefix
	}
	if onEOF != "" {
		cfg.OnEOF = onEOF
	}
	if timeout > 0 {
		cfg.Worker.TimeoutSeconds = timeout
	}
	if maxOutput > 0 {
		cfg.Worker.MaxOutputChars = maxOutput
	}
	if initScript != "" {
		cfg.Worker.Script = initScript
	}

	policy := session.EOFStop
	switch cfg.OnEOF {
	case "stop":
	case "halt":
		policy = session.EOFHalt
	default:
		return fmt.Errorf("invalid end-of-input policy %q (want stop or halt)", cfg.OnEOF)
	}

	cons := console.New(os.Stdin, cmd.OutOrStdout())
	srv := session.New(cons, arbiter.New(), session.Options{
		Prefix: cfg.Prefix,
		OnEOF:  policy,
		WorkerOptions: evaluator.Options{
			TimeoutSeconds: cfg.Worker.TimeoutSeconds,
			MaxOutputChars: cfg.Worker.MaxOutputChars,
			ScriptPath:     cfg.Worker.Script,
			Globals:        cfg.Worker.Globals,
		},
		CompletionHook: completionHook(cfg),
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		for range sigs {
			srv.Interrupt()
		}
	}()

	return srv.Run(cmd.Context())
}

// completionHook completes the trailing identifier of the current line
// against the builtins and the configured globals.
func completionHook(cfg *config.Config) console.CompleteFunc {
	names := []string{"_", "console", "crash", "print", "pry", "respawn"}
	for name := range cfg.Worker.Globals {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(line string) []string {
		i := len(line)
		for i > 0 && isIdentByte(line[i-1]) {
			i--
		}
		word := line[i:]
		var out []string
		for _, n := range names {
			if strings.HasPrefix(n, word) {
				out = append(out, n)
			}
		}
		return out
	}
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '$' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	if _, err := os.Stat(".goo.yaml"); err == nil {
		return config.Load(".goo.yaml")
	}
	return config.Default(), nil
}
