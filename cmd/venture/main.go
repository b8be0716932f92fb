// Command venture is a thin CLI harness over pkg/venture.Ripl — it is
// not part of the core library (spec §6 "No persistence, no network,
// no CLI" binds the core, not a driver program), the same role the
// teacher's own cmd/example plays for pkg/minikanren. Grounded on
// jhkimqd-chaos-utils/cmd/chaos-runner's root-command-plus-persistent-
// flags shape.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gitrdm/venturecore/internal/logconv"
	"github.com/gitrdm/venturecore/pkg/venture"
)

var (
	cfgFile  string
	logLevel string
	version  = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "venture",
	Short:   "Drive a probabilistic-programming trace from the command line",
	Long:    `venture loads a directive script against a fresh trace, printing each directive's result as it runs.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "inference config file (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, disabled)")
	rootCmd.AddCommand(evalCmd, observeCmd, inferCmd, extractCmd, runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openRipl() (*venture.Ripl, error) {
	cfg, err := venture.LoadInferConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = logLevel
	return venture.New(cfg, logconv.New(os.Stderr, logLevel))
}

var evalCmd = &cobra.Command{
	Use:   "eval <id> <expression-json>",
	Short: "Evaluate a fresh family and register it under id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRipl()
		if err != nil {
			return err
		}
		id, expr, err := parseIDAndJSON(args)
		if err != nil {
			return err
		}
		if err := r.Eval(id, expr); err != nil {
			return err
		}
		v, err := r.ExtractValue(id)
		if err != nil {
			return err
		}
		return printJSON(v)
	},
}

var observeCmd = &cobra.Command{
	Use:   "observe <id> <value-json>",
	Short: "Constrain directive id's root to the given value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRipl()
		if err != nil {
			return err
		}
		id, val, err := parseIDAndJSON(args)
		if err != nil {
			return err
		}
		return r.Observe(id, val)
	},
}

var inferCmd = &cobra.Command{
	Use:   "infer [n]",
	Short: "Run n inference steps with the configured kernel",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRipl()
		if err != nil {
			return err
		}
		n := 0
		if len(args) == 1 {
			if _, err := fmt.Sscanf(args[0], "%d", &n); err != nil {
				return fmt.Errorf("invalid step count %q: %w", args[0], err)
			}
		}
		return r.Infer(n)
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract <id>",
	Short: "Print directive id's current value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRipl()
		if err != nil {
			return err
		}
		var id int
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("invalid directive id %q: %w", args[0], err)
		}
		v, err := r.ExtractValue(id)
		if err != nil {
			return err
		}
		return printJSON(v)
	},
}

// runCmd executes a directive script: a JSON array of
// {"directive": "eval"|"observe"|"unconstrain"|"bind"|"infer"|"extract", ...} objects, run
// in order against one fresh Ripl — the multi-directive counterpart to
// the single-shot eval/observe/infer/extract subcommands above.
var runCmd = &cobra.Command{
	Use:   "run <script.json>",
	Short: "Run a sequence of directives from a script file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading script: %w", err)
		}
		var script []directive
		if err := json.Unmarshal(data, &script); err != nil {
			return fmt.Errorf("parsing script: %w", err)
		}
		r, err := openRipl()
		if err != nil {
			return err
		}
		return runScript(r, script)
	},
}

type directive struct {
	Directive  string      `json:"directive"`
	ID         int         `json:"id"`
	Expression interface{} `json:"expression,omitempty"`
	Value      interface{} `json:"value,omitempty"`
	Symbol     string      `json:"symbol,omitempty"`
	Steps      int         `json:"steps,omitempty"`
}

func runScript(r *venture.Ripl, script []directive) error {
	for i, d := range script {
		var err error
		switch d.Directive {
		case "eval":
			err = r.Eval(d.ID, d.Expression)
		case "observe":
			err = r.Observe(d.ID, d.Value)
		case "unconstrain":
			err = r.Unconstrain(d.ID)
		case "bind":
			err = r.BindInGlobalEnv(d.Symbol, d.ID)
		case "infer":
			err = r.Infer(d.Steps)
		case "extract":
			var v interface{}
			v, err = r.ExtractValue(d.ID)
			if err == nil {
				err = printJSON(v)
			}
		default:
			err = fmt.Errorf("unknown directive %q", d.Directive)
		}
		if err != nil {
			return fmt.Errorf("script step %d (%s): %w", i, d.Directive, err)
		}
	}
	return nil
}

func parseIDAndJSON(args []string) (int, interface{}, error) {
	var id int
	if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
		return 0, nil, fmt.Errorf("invalid directive id %q: %w", args[0], err)
	}
	var v interface{}
	if err := json.Unmarshal([]byte(args[1]), &v); err != nil {
		return 0, nil, fmt.Errorf("invalid JSON %q: %w", args[1], err)
	}
	return id, v, nil
}

func printJSON(v interface{}) error {
	out, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
