package util

import (
	log "github.com/sirupsen/logrus"
)

// SetLogLevel configures the logrus log level from the debug flag.
// It sets the log level to DebugLevel if debug mode is enabled, otherwise to InfoLevel.
func SetLogLevel(debug bool) {
	currentLevel := log.GetLevel()
	var newLevel log.Level
	if debug {
		newLevel = log.DebugLevel
	} else {
		newLevel = log.InfoLevel
	}

	if currentLevel != newLevel {
		log.SetLevel(newLevel)
		log.Infof("log level changed from %s to %s (debug=%t)", currentLevel, newLevel, debug)
	}
}
