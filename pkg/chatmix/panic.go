package chatmix

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/MixyLabs/chatmix/pkg/chatmix/util"
)

const (
	crashlogFilename        = "chatmix-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"

	crashMessage = `-----------------------------------------------------------------
                       chatmix crashlog
-----------------------------------------------------------------
Unfortunately, chatmix has crashed.
To help diagnose the issue, a crashlog has been generated.
Please consider sharing this file with developers to help improve chatmix.
-----------------------------------------------------------------
Time: %s
Panic occurred: %s
Stack trace:
%s
-----------------------------------------------------------------
`
)

// recoverFromPanic writes a crashlog and routes the crash through the normal
// teardown path, so the audio graph is cleaned up even when we blow up
func (c *ChatMix) recoverFromPanic() {
	r := recover()

	if r == nil {
		return
	}

	now := time.Now()

	if err := util.EnsureDirExists(logDirectory); err != nil {
		panic(fmt.Errorf("ensure crashlog dir exists: %w", err))
	}

	crashlogBytes := bytes.NewBufferString(fmt.Sprintf(crashMessage, now.Format(crashlogTimestampFormat), r, debug.Stack()))
	crashlogPath := filepath.Join(logDirectory, fmt.Sprintf(crashlogFilename, now.Format(crashlogTimestampFormat)))

	if err := os.WriteFile(crashlogPath, crashlogBytes.Bytes(), os.ModePerm); err != nil {
		panic(fmt.Errorf("can't even write the crashlog file contents: %w", err))
	}

	c.logger.Errorw("Encountered and logged panic, shutting down",
		"crashlogPath", crashlogPath,
		"error", r)

	if c.currConf().Notifications {
		c.notifier.Notify("Unexpected crash occurred...",
			fmt.Sprintf("More details in %s", crashlogPath))
	}

	c.signalStop(fmt.Sprintf("panic: %v", r))
	c.terminate()
}
