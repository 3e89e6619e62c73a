package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kacperjurak/emfit"
	"github.com/kacperjurak/emfit/pkg/atomdb"
	"github.com/kacperjurak/emfit/pkg/config"
	"github.com/kacperjurak/emfit/pkg/store"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	lookupEnv  func(string) (string, bool)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{lookupEnv: os.LookupEnv}
	cmd := &cobra.Command{
		Use:   "emfit",
		Short: "Identify observed spectral lines and fit emission measures",
		Long: `emfit matches observed line wavelengths against an atomic database,
computes theoretical intensities over a temperature/density grid and
searches for the emission measure distribution that best reproduces
the observed intensities.`,
		SilenceUsage: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	pf.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&opts.logFormat, "log-format", "", "text or json")

	cmd.AddCommand(newRunCmd(opts), newServeCmd(opts), newShowCmd(opts))
	return cmd
}

type settings struct {
	cfg    *config.Config
	server *config.ServerConfig
	log    *slog.Logger
}

// load layers defaults, the config file, EMFIT_* variables and the flags
// set on cmd, in that order.
func (o *rootOptions) load(cmd *cobra.Command) (*settings, error) {
	cfg, scfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(o.lookupEnv); err != nil {
		return nil, err
	}
	scfg.ApplyEnv(o.lookupEnv)
	if err := overlayFlags(cmd.Flags(), cfg); err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	logger, err := cfg.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return &settings{cfg: cfg, server: scfg, log: logger}, nil
}

// overlayFlags copies every flag changed on the command line onto cfg.
func overlayFlags(changed *pflag.FlagSet, cfg *config.Config) error {
	target := pflag.NewFlagSet("overlay", pflag.ContinueOnError)
	cfg.BindFlags(target)

	var err error
	changed.Visit(func(f *pflag.Flag) {
		dst := target.Lookup(f.Name)
		if dst == nil || err != nil {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			if dv, ok := dst.Value.(pflag.SliceValue); ok {
				err = dv.Replace(sv.GetSlice())
				return
			}
		}
		if serr := dst.Value.Set(f.Value.String()); serr != nil {
			err = fmt.Errorf("flag --%s: %w", f.Name, serr)
		}
	})
	return err
}

func openDatabase(s *settings) (*atomdb.DB, error) {
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	return atomdb.Open(s.cfg.DatabaseRoot, s.log)
}

func openStore(s *settings, inMemory bool) (*store.Store, error) {
	return store.Open(store.Config{
		Path:     s.cfg.StorePath,
		InMemory: inMemory,
		Logger:   s.log,
	})
}

func calculators(db *atomdb.DB) func(string) emfit.IntensityCalculator {
	return func(set string) emfit.IntensityCalculator {
		return atomdb.NewCalculator(db, set)
	}
}
