package cmd

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	goFlags "github.com/jessevdk/go-flags"
)

// Options represents command-line arguments.
type Options struct {
	// ConfigPath specifies path to the configuration file.
	ConfigPath string `toml:"config_path" short:"c" long:"config-path" description:"Path to the TOML config file." required:"true"`

	// Verbose defines whether we should write the DEBUG-level log or not.
	Verbose bool `toml:"verbose" short:"v" long:"verbose" description:"Verbose output (optional)." optional:"yes" optional-value:"true"`
}

// type check
var _ fmt.Stringer = (*Options)(nil)

// String implements the fmt.Stringer interface for *Options.
func (o *Options) String() (str string) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(o); err != nil {
		return fmt.Sprintf("failed to stringify options due to %s", err)
	}

	return buf.String()
}

// parseOptions parses os.Args and creates the Options struct.
func parseOptions() (o *Options, err error) {
	opts := &Options{}
	parser := goFlags.NewParser(opts, goFlags.Default|goFlags.IgnoreUnknown)
	remainingArgs, err := parser.ParseArgs(os.Args[1:])
	if err != nil {
		return nil, err
	}

	if len(remainingArgs) > 0 {
		return nil, fmt.Errorf("unknown arguments: %v", remainingArgs)
	}

	return opts, nil
}
