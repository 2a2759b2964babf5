// Package config assembles the daemon's runtime options from command
// line arguments and an optional YAML configuration file. Command line
// values override file values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/lonkamikaze/powerd/internal/exit"
	"github.com/lonkamikaze/powerd/internal/governor"
)

// DefaultPIDFile keeps the path of the daemon this one replaces.
const DefaultPIDFile = "/var/run/powerd++.pid"

const usageShort = "usage: powerd [-hvf] [-abn mode] [-mM freq] [-p ival] [-s cnt] [-P file]"

// Options is the fully merged and validated daemon configuration.
type Options struct {
	Verbose     bool
	Foreground  bool
	Interval    time.Duration
	Samples     int
	PIDFile     string
	MetricsAddr string
	Policies    governor.Policies
}

// scalar keeps the operator's literal spelling of a value so the
// command line unit grammar applies unchanged; bare YAML numbers decode
// as well as quoted strings.
type scalar string

func (s *scalar) UnmarshalYAML(node *yaml.Node) error {
	*s = scalar(node.Value)
	return nil
}

// fileConfig mirrors the command line surface in YAML.
type fileConfig struct {
	Verbose    *bool  `yaml:"verbose"`
	Foreground *bool  `yaml:"foreground"`
	Poll       scalar `yaml:"poll"`
	Samples    int    `yaml:"samples"`
	PIDFile    string `yaml:"pid"`
	Metrics    string `yaml:"metrics"`
	AC         scalar `yaml:"ac"`
	Battery    scalar `yaml:"batt"`
	Unknown    scalar `yaml:"unknown"`
	Min        scalar `yaml:"min"`
	Max        scalar `yaml:"max"`
	MinAC      scalar `yaml:"min-ac"`
	MaxAC      scalar `yaml:"max-ac"`
	MinBattery scalar `yaml:"min-batt"`
	MaxBattery scalar `yaml:"max-batt"`
}

// Parse merges defaults, an optional configuration file and the given
// command line arguments into Options. A help request is returned as a
// Status with code OK carrying the usage text.
func Parse(args []string) (*Options, error) {
	flags := pflag.NewFlagSet("powerd", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.Usage = func() {}

	help := flags.BoolP("help", "h", false, "Show usage and exit")
	verbose := flags.BoolP("verbose", "v", false, "Be verbose")
	foreground := flags.BoolP("foreground", "f", false, "Stay in foreground")
	modeAC := flags.StringP("ac", "a", "", "Select the mode while on AC power")
	modeBattery := flags.StringP("batt", "b", "", "Select the mode while on battery power")
	modeUnknown := flags.StringP("unknown", "n", "", "Select the mode while the power source is unknown")
	freqMin := flags.StringP("min", "m", "", "The minimum CPU frequency")
	freqMax := flags.StringP("max", "M", "", "The maximum CPU frequency")
	freqMinAC := flags.String("min-ac", "", "The minimum CPU frequency on AC power")
	freqMaxAC := flags.String("max-ac", "", "The maximum CPU frequency on AC power")
	freqMinBattery := flags.String("min-batt", "", "The minimum CPU frequency on battery power")
	freqMaxBattery := flags.String("max-batt", "", "The maximum CPU frequency on battery power")
	poll := flags.StringP("poll", "p", "", "The polling interval")
	samples := flags.StringP("samples", "s", "", "The number of samples to use")
	pidPath := flags.StringP("pid", "P", "", "Alternative PID file")
	configPath := flags.String("config", "", "YAML configuration file")
	metricsAddr := flags.String("metrics-bind-address", "", "Serve prometheus metrics on this address")

	// accepted for compatibility with the daemon this one replaces
	flags.StringP("idle-load", "i", "", "Ignored")
	flags.StringP("reduce-load", "r", "", "Ignored")
	_ = flags.MarkHidden("idle-load")
	_ = flags.MarkHidden("reduce-load")

	if err := flags.Parse(args); err != nil {
		return nil, exit.Failf(exit.CmdLineArg, err,
			"unexpected command line argument: %v\n\n%s", err, usage(flags))
	}
	if *help {
		return nil, &exit.Status{Code: exit.OK, Msg: usage(flags)}
	}
	if rest := flags.Args(); len(rest) > 0 {
		return nil, exit.Failf(exit.CmdLineArg, nil,
			"unexpected command line argument: %s\n\n%s", rest[0], usage(flags))
	}

	opts := &Options{
		Interval: 500 * time.Millisecond,
		Samples:  5,
		PIDFile:  DefaultPIDFile,
		Policies: governor.DefaultPolicies(),
	}

	if *configPath != "" {
		fc, err := loadFile(*configPath)
		if err != nil {
			return nil, err
		}
		if err := applyFile(opts, fc); err != nil {
			return nil, err
		}
	}

	if flags.Changed("verbose") {
		opts.Verbose = *verbose
	}
	if flags.Changed("foreground") {
		opts.Foreground = *foreground
	}
	if *poll != "" {
		ival, err := parseInterval(*poll)
		if err != nil {
			return nil, err
		}
		opts.Interval = ival
	}
	if *samples != "" {
		cnt, err := parseSamples(*samples)
		if err != nil {
			return nil, err
		}
		opts.Samples = cnt
	}
	if *pidPath != "" {
		opts.PIDFile = *pidPath
	}
	if *metricsAddr != "" {
		opts.MetricsAddr = *metricsAddr
	}

	for _, m := range []struct {
		line governor.ACLine
		mode string
	}{
		{governor.ACOnline, *modeAC},
		{governor.ACBattery, *modeBattery},
		{governor.ACUnknown, *modeUnknown},
	} {
		if m.mode == "" {
			continue
		}
		if err := setMode(&opts.Policies, m.line, m.mode); err != nil {
			return nil, err
		}
	}
	for _, b := range []struct {
		line  governor.ACLine
		value string
		upper bool
	}{
		{governor.ACUnknown, *freqMin, false},
		{governor.ACUnknown, *freqMax, true},
		{governor.ACOnline, *freqMinAC, false},
		{governor.ACOnline, *freqMaxAC, true},
		{governor.ACBattery, *freqMinBattery, false},
		{governor.ACBattery, *freqMaxBattery, true},
	} {
		if b.value == "" {
			continue
		}
		if err := setBound(&opts.Policies, b.line, b.value, b.upper); err != nil {
			return nil, err
		}
	}

	opts.Policies.Backfill()
	if err := validateBounds(&opts.Policies); err != nil {
		return nil, err
	}
	return opts, nil
}

func setMode(p *governor.Policies, line governor.ACLine, mode string) error {
	targetLoad, targetFreq, err := parseMode(mode)
	if err != nil {
		return err
	}
	p[line].TargetLoad = targetLoad
	p[line].TargetFreq = targetFreq
	return nil
}

func setBound(p *governor.Policies, line governor.ACLine, value string, upper bool) error {
	freq, err := parseFreq(value)
	if err != nil {
		return err
	}
	if upper {
		p[line].FreqMax = freq
	} else {
		p[line].FreqMin = freq
	}
	return nil
}

// validateBounds rejects inverted operator limits after all sources
// merged; at runtime inverted bounds would silently resolve to the
// upper one.
func validateBounds(p *governor.Policies) error {
	for line := governor.ACBattery; line <= governor.ACUnknown; line++ {
		if p[line].FreqMin > p[line].FreqMax {
			return exit.Failf(exit.OutOfRange, nil,
				"minimum frequency exceeds maximum frequency (%s): [%d MHz, %d MHz]",
				line, p[line].FreqMin, p[line].FreqMax)
		}
	}
	return nil
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, exit.Failf(exit.File, err, "cannot read configuration file: %s", path)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, exit.Failf(exit.File, err, "cannot parse configuration file: %s", path)
	}
	return &fc, nil
}

func applyFile(opts *Options, fc *fileConfig) error {
	if fc.Verbose != nil {
		opts.Verbose = *fc.Verbose
	}
	if fc.Foreground != nil {
		opts.Foreground = *fc.Foreground
	}
	if fc.Poll != "" {
		ival, err := parseInterval(string(fc.Poll))
		if err != nil {
			return err
		}
		opts.Interval = ival
	}
	if fc.Samples != 0 {
		if fc.Samples < 2 || fc.Samples > 1000 {
			return exit.Failf(exit.OutOfRange, nil,
				"sample count must be in the range [2, 1000]: %d", fc.Samples)
		}
		opts.Samples = fc.Samples
	}
	if fc.PIDFile != "" {
		opts.PIDFile = fc.PIDFile
	}
	if fc.Metrics != "" {
		opts.MetricsAddr = fc.Metrics
	}
	for _, m := range []struct {
		line governor.ACLine
		mode scalar
	}{
		{governor.ACOnline, fc.AC},
		{governor.ACBattery, fc.Battery},
		{governor.ACUnknown, fc.Unknown},
	} {
		if m.mode == "" {
			continue
		}
		if err := setMode(&opts.Policies, m.line, string(m.mode)); err != nil {
			return err
		}
	}
	for _, b := range []struct {
		line  governor.ACLine
		value scalar
		upper bool
	}{
		{governor.ACUnknown, fc.Min, false},
		{governor.ACUnknown, fc.Max, true},
		{governor.ACOnline, fc.MinAC, false},
		{governor.ACOnline, fc.MaxAC, true},
		{governor.ACBattery, fc.MinBattery, false},
		{governor.ACBattery, fc.MaxBattery, true},
	} {
		if b.value == "" {
			continue
		}
		if err := setBound(&opts.Policies, b.line, string(b.value), b.upper); err != nil {
			return err
		}
	}
	return nil
}

func usage(flags *pflag.FlagSet) string {
	return fmt.Sprintf("%s\n%s", usageShort, flags.FlagUsages())
}
