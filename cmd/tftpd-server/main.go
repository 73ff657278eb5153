package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"tftpd-server/internal/config"
	"tftpd-server/internal/server"
	"tftpd-server/internal/version"
)

func main() {
	var configPath string
	var showVersion bool
	var checkOnly bool
	var logFile string

	flag.StringVar(&configPath, "config", "", "Path to config json file (default: ./config/config.json next to the binary)")
	flag.BoolVar(&showVersion, "version", false, "Print version information and exit")
	flag.BoolVar(&checkOnly, "check", false, "Validate the configuration and exit")
	flag.StringVar(&logFile, "log-file", "", "Optional log file path (appended to, in addition to stdout)")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Get().String())
		return
	}

	resolvedCfgPath, err := resolveConfigPath(configPath)
	if err != nil {
		log.Printf("FATAL: resolve config path: %v", err)
		fmt.Fprintln(os.Stderr, "Failed to resolve config:", err)
		os.Exit(1)
	}
	configPath = resolvedCfgPath

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("FATAL: load config %q: %v", configPath, err)
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}

	if checkOnly {
		fmt.Printf("%s: configuration OK\n", configPath)
		return
	}

	if logFile == "" {
		logFile = cfg.Logging.File
	}
	if logFile != "" {
		if err := setupLogFile(logFile); err != nil {
			log.Printf("WARNING: log file %q: %v", logFile, err)
		}
	}

	log.Printf("tftpd-server %s", version.Get().String())
	log.Printf("Config: %s", configPath)
	log.Printf("Root: %s", cfg.Filesystem.RootDirectory)
	log.Printf("Listening on %s:%d (udp)", cfg.Network.ListenAddress, cfg.Network.ListenPort)
	if cfg.Monitoring.Enabled {
		log.Printf("Monitor: http://%s", cfg.Monitoring.Listen)
	}

	srv := server.New(cfg)

	// The configuration is frozen for the lifetime of the process; watching the
	// file lets operators know an edit did not take effect yet.
	stopWatch := watchConfig(configPath)
	defer stopWatch()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down", sig)
		srv.Shutdown()
	case err := <-errCh:
		if err != nil {
			log.Printf("FATAL: %v", err)
			os.Exit(1)
		}
	}
}

// resolveConfigPath prefers an explicit -config, then ./config/config.json
// next to the binary, then ./config.json in the working directory. A missing
// preferred path is created from defaults so first runs have something to
// edit.
func resolveConfigPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}

	exeDir := safeExeDir()
	preferred := filepath.Join(exeDir, "config", "config.json")
	if exists(preferred) {
		return preferred, nil
	}
	if exists("config.json") {
		return "config.json", nil
	}

	def := config.Default()
	b, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(preferred), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(preferred, append(b, '\n'), 0o644); err != nil {
		return "", err
	}
	return preferred, nil
}

func safeExeDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	d := filepath.Dir(exe)
	if d == "" {
		return "."
	}
	return d
}

func exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func setupLogFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	// Log to file and stdout.
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	return nil
}

// watchConfig logs a notice when the config file changes on disk. The server
// holds a frozen snapshot, so the change only applies on restart.
func watchConfig(path string) (stop func()) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("WARNING: config watch unavailable: %v", err)
		return func() {}
	}
	// Watch the directory: editors replace the file, which drops a watch on
	// the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		log.Printf("WARNING: config watch %q: %v", path, err)
		w.Close()
		return func() {}
	}
	base := filepath.Base(path)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					log.Printf("Config file %s changed; restart to apply", path)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("WARNING: config watch: %v", err)
			}
		}
	}()
	return func() { w.Close() }
}
