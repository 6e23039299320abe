package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Debugf("exit with error:%+v", err)
		os.Stderr.WriteString(ErrorStyle.Render(err.Error()) + "\n")
		os.Exit(1)
	}
}
