package runtimeexec

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const hyperparametersKey = "arglist"

// hyperparameters serializes the argument list into the single string field
// training containers read back.
func hyperparameters(args []string) (map[string]string, error) {
	if args == nil {
		args = []string{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arglist: %w", err)
	}
	return map[string]string{hyperparametersKey: string(encoded)}, nil
}

// SanitizeJobName replaces characters the training service rejects.
func SanitizeJobName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), "_", "-")
}

func sortedKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Keys the runner sets itself and callers may not override.
func isReservedEnvKey(key string) bool {
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN":
		return true
	default:
		return false
	}
}

// mergeEnv layers runner-owned variables over the caller's. Blank and
// reserved caller keys are dropped.
func mergeEnv(caller map[string]string, runner map[string]string) map[string]string {
	out := make(map[string]string, len(caller)+len(runner))
	for k, v := range caller {
		key := strings.TrimSpace(k)
		if key == "" || isReservedEnvKey(key) {
			continue
		}
		out[key] = v
	}
	for k, v := range runner {
		out[k] = v
	}
	return out
}
