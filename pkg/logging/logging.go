package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	instanceID     string
	instanceIDOnce sync.Once

	debugEnabled atomic.Bool

	// Async logging channel and worker
	logChan   chan string
	logWorker sync.Once
	logWg     sync.WaitGroup
	logMu     sync.RWMutex
)

// initLogWorker starts the async log worker goroutine
func initLogWorker() {
	logMu.Lock()
	defer logMu.Unlock()

	logWorker.Do(func() {
		// Buffer size: 1000 messages
		logChan = make(chan string, 1000)

		logWg.Add(1)
		go func(ch chan string) {
			defer logWg.Done()
			for msg := range ch {
				log.Print(msg)
			}
		}(logChan)
	})
}

// SetLevel sets the minimum level. Only "debug" changes behaviour: it enables Debugf.
func SetLevel(level string) {
	debugEnabled.Store(strings.EqualFold(strings.TrimSpace(level), "debug"))
}

// DebugEnabled reports whether Debugf output is emitted.
func DebugEnabled() bool {
	return debugEnabled.Load()
}

// GetInstanceID returns the identifier prefixed to every line of this process.
func GetInstanceID() string {
	instanceIDOnce.Do(func() {
		// LB_ID allows a fixed ID, then POD_NAME, then HOSTNAME
		instanceID = os.Getenv("LB_ID")
		if instanceID == "" {
			instanceID = os.Getenv("POD_NAME")
		}
		if instanceID == "" {
			instanceID = os.Getenv("HOSTNAME")
		}
		if instanceID == "" {
			hostname, _ := os.Hostname()
			if hostname != "" {
				// Use last 8 chars of hostname as fallback
				if len(hostname) > 8 {
					instanceID = hostname[len(hostname)-8:]
				} else {
					instanceID = hostname
				}
			} else {
				instanceID = "unknown"
			}
		}
	})
	return instanceID
}

func emit(msg string) {
	initLogWorker()
	line := fmt.Sprintf("[lb=%s] %s", GetInstanceID(), msg)

	// The read lock keeps Flush from closing the channel mid-send.
	logMu.RLock()
	defer logMu.RUnlock()
	if logChan == nil {
		log.Print(line)
		return
	}

	// Non-blocking send; a full channel falls back to a synchronous write.
	select {
	case logChan <- line:
	default:
		log.Print(line)
	}
}

// Logf logs a formatted message with instance prefix (async, non-blocking)
func Logf(format string, v ...interface{}) {
	emit(fmt.Sprintf(format, v...))
}

// Log logs a message with instance prefix (async, non-blocking)
func Log(v ...interface{}) {
	emit(fmt.Sprint(v...))
}

// Debugf logs only when the level is debug.
func Debugf(format string, v ...interface{}) {
	if !debugEnabled.Load() {
		return
	}
	emit(fmt.Sprintf(format, v...))
}

// Fatalf logs a fatal error with instance prefix and exits (synchronous for fatal errors)
func Fatalf(format string, v ...interface{}) {
	Flush()
	msg := fmt.Sprintf(format, v...)
	log.Fatalf("[lb=%s] %s", GetInstanceID(), msg)
}

// Flush waits for all pending log messages to be written
func Flush() {
	logMu.Lock()
	defer logMu.Unlock()

	if logChan != nil {
		close(logChan)
		logWg.Wait()
		logChan = nil
		logWorker = sync.Once{}
	}
}
