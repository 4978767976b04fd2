package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mixos-go/shed/pkg/changelog"
	"github.com/mixos-go/shed/pkg/config"
	"github.com/mixos-go/shed/pkg/manager"
	"github.com/mixos-go/shed/pkg/resolver"
	"github.com/mixos-go/shed/pkg/shed"
)

var (
	version    = "1.0.0"
	configPath = "/etc/shed/shed.yaml"
	logLevel   string
	logFile    string
	actingUser = os.Getenv("SHED_USER")
	remoteShed string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "shed",
	Short: "Tool Shed repository server and installer",
	Long: `shed hosts Tool Shed repositories and installs them with their
repository dependencies into a Galaxy instance.

Repository dependencies are resolved to one revision per repository and
installed in an order that honors prior_installation_required.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&configPath, "config", "c", configPath, "path to the configuration file")
	f.StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	f.StringVar(&logFile, "log-file", "", "also write the log to this file")
	f.StringVarP(&actingUser, "user", "u", actingUser, "user performing tool shed changes")
	f.StringVar(&remoteShed, "shed", "", "install from the tool shed at this URL instead of the local one")

	f.String("listen", "", "address to serve the API on")
	f.String("shed-url", "", "base URL of this tool shed")
	f.String("shed-db", "", "path to the tool shed database")
	f.String("galaxy-db", "", "path to the Galaxy installed repository database")
	f.String("repos-dir", "", "directory holding repository changelogs")
	f.String("install-dir", "", "directory installed repositories are cloned into")
}

// setup loads the configuration, applies flag overrides and configures
// logging.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	overrides := map[string]*string{
		"listen":      &cfg.Listen,
		"shed-url":    &cfg.ShedURL,
		"shed-db":     &cfg.ShedDB,
		"galaxy-db":   &cfg.GalaxyDB,
		"repos-dir":   &cfg.ReposDir,
		"install-dir": &cfg.InstallDir,
	}
	for name, field := range overrides {
		if fl := cmd.Flags().Lookup(name); fl != nil && fl.Changed {
			*field = fl.Value.String()
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	return initLog(level, cfg.LogFile)
}

type logFormatter struct{}

func (f *logFormatter) Format(entry *log.Entry) ([]byte, error) {
	b := &bytes.Buffer{}

	b.WriteString(entry.Time.Format("2006/01/02 15:04:05.000 "))
	b.WriteString("[" + strings.ToUpper(entry.Level.String()) + "] ")
	b.WriteString(entry.Message)
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')

	return b.Bytes(), nil
}

func initLog(level log.Level, logFilename string) error {
	log.SetLevel(level)

	var writer io.Writer = os.Stderr
	if logFilename != "" {
		f, err := os.OpenFile(logFilename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		writer = io.MultiWriter(os.Stderr, f)
	}

	log.SetOutput(writer)
	log.SetFormatter(&logFormatter{})
	return nil
}

func openShed() (*shed.Shed, error) {
	db, err := shed.NewDatabase(cfg.ShedDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open tool shed database: %w", err)
	}
	s, err := shed.New(cfg, db, changelog.NewGit(cfg.ReposDir))
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// openManager opens the Galaxy side. It installs from the local shed unless
// --shed names a remote one. The returned close func releases both.
func openManager() (*manager.Manager, func(), error) {
	var (
		client manager.ShedClient
		local  *shed.Shed
	)
	if remoteShed != "" {
		client = manager.NewHTTPShed(remoteShed, &http.Client{Timeout: 5 * time.Minute})
	} else {
		var err error
		local, err = openShed()
		if err != nil {
			return nil, nil, err
		}
		client = &manager.LocalShed{Shed: local}
	}

	m, err := manager.New(cfg, client)
	if err != nil {
		if local != nil {
			local.Close()
		}
		return nil, nil, fmt.Errorf("failed to initialize installer: %w", err)
	}
	return m, func() {
		m.Close()
		if local != nil {
			local.Close()
		}
	}, nil
}

// parseKey reads an owner/name argument.
func parseKey(arg string) (resolver.Key, error) {
	owner, name, ok := strings.Cut(arg, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return resolver.Key{}, fmt.Errorf("expected owner/name, got %q", arg)
	}
	return resolver.Key{Owner: owner, Name: name}, nil
}

func confirm(prompt string) bool {
	fmt.Printf("\n%s [y/N] ", prompt)
	var response string
	fmt.Scanln(&response)
	return response == "y" || response == "Y"
}
