package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const (
	blockSize              = 16 * 1024
	endgameMargin          = 5
	maxOutstandingRequests = 5
	hashWorkers            = 4
	hashAlgorithm          = "sha1"
	pickerStrategy         = "rarest"
	corruptionTolerance    = 1
	trackerRetryGrowth     = 10
	trackerInterval        = 30 * time.Second
)

var (
	downloadDir = xdg.UserDirs.Download
	resumeDB    = filepath.Join(xdg.DataHome, configFileName, "resume.db")
	logFile     = filepath.Join(xdg.StateHome, configFileName, "leech.log")
)
