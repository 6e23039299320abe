package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/yixinin/pairup/config"
)

var (
	cfgFilename string
	debugLevel  bool
	logfile     string

	cfg     *config.Config
	logFile *os.File
)

var rootCmd = &cobra.Command{
	Use:           "pairup",
	Short:         "Two peer WebRTC rooms negotiated through a message relay",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initLog(); err != nil {
			return err
		}
		c, err := config.LoadConfig(cfgFilename)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFilename, "config", "c", "pairup.yaml", "config file name")
	rootCmd.PersistentFlags().BoolVar(&debugLevel, "debug", false, "log debug mode")
	rootCmd.PersistentFlags().StringVar(&logfile, "log", "", "log to filename")

	rootCmd.AddCommand(serveCmd, hostCmd, joinCmd, inspectCmd)
}

type funcremove struct {
}

func (funcremove) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (funcremove) Fire(e *logrus.Entry) error {
	if e.Data == nil {
		return nil
	}
	if e.Caller == nil {
		return nil
	}

	e.Data["file"] = fmt.Sprintf("%s:%d", e.Caller.File, e.Caller.Line)
	e.Caller = nil
	return nil
}

func initLog() error {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.AddHook(funcremove{})
	logrus.SetReportCaller(true)
	if debugLevel {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	if logfile == "" {
		// chat output owns stdout
		logrus.SetOutput(os.Stderr)
		return nil
	}

	ext := filepath.Ext(logfile)
	var old = fmt.Sprintf("%s_bak%s", logfile[:len(logfile)-len(ext)], ext)
	os.Remove(old)
	os.Rename(logfile, old)

	f, err := os.Create(logfile)
	if err != nil {
		return err
	}
	logFile = f
	logrus.SetOutput(f)
	return nil
}
