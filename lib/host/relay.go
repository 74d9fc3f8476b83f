package host

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/go-logr/logr"
)

// relay logs the lines a worker writes to r until EOF and closes r.
// Lines written by the worker's JSON logger are logged again with their
// own message, level, name and fields; anything else, such as a panic
// trace, is logged as is.
func relay(log logr.Logger, r io.ReadCloser) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		relayLine(log, scanner.Bytes())
	}
}

// fields the host logger already carries or that relayLine consumes
var relayedKeys = map[string]bool{
	"level": true, "msg": true, "logger": true, "error": true,
	"instance": true, "session": true,
}

func relayLine(log logr.Logger, line []byte) {
	var entry map[string]any
	if err := json.Unmarshal(line, &entry); err != nil {
		log.WithName("stderr").Info(string(line))
		return
	}
	level, ok := entry["level"].(float64)
	if !ok {
		log.WithName("stderr").Info(string(line))
		return
	}

	if name, ok := entry["logger"].(string); ok {
		for _, part := range strings.Split(name, ".") {
			log = log.WithName(part)
		}
	}
	msg, _ := entry["msg"].(string)

	keys := make([]string, 0, len(entry))
	for k := range entry {
		if !relayedKeys[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	kv := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		kv = append(kv, k, entry[k])
	}

	// zap levels: error and above are 2+, info 0, logr V(n) is -n
	switch {
	case level >= 2:
		var err error
		if text, ok := entry["error"].(string); ok {
			err = errors.New(text)
		}
		log.Error(err, msg, kv...)
	case level >= 0:
		if text, ok := entry["error"].(string); ok {
			kv = append(kv, "error", text)
		}
		log.Info(msg, kv...)
	default:
		if text, ok := entry["error"].(string); ok {
			kv = append(kv, "error", text)
		}
		log.V(int(-level)).Info(msg, kv...)
	}
}
