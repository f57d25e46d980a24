package config

import (
	"os"
	"path/filepath"
	"strings"
)

const applyqDirName = ".applyq"

func localApplyqDirExists() bool {
	info, err := os.Stat(applyqDirName)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// DefaultRoot is ./.applyq when present, otherwise ~/.applyq.
func DefaultRoot() string {
	if localApplyqDirExists() {
		return applyqDirName
	}
	home, err := os.UserHomeDir()
	if err == nil && strings.TrimSpace(home) != "" {
		return filepath.Join(home, applyqDirName)
	}
	return applyqDirName
}

// ResolvePath expands ~ and re-roots ".applyq/..." paths under DefaultRoot.
func ResolvePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}

	expanded := trimmed
	if resolved, err := expandPath(trimmed); err == nil && strings.TrimSpace(resolved) != "" {
		expanded = resolved
	}

	cleaned := filepath.Clean(expanded)
	if filepath.IsAbs(cleaned) {
		return cleaned
	}
	if cleaned == applyqDirName {
		return DefaultRoot()
	}

	prefix := applyqDirName + string(filepath.Separator)
	if strings.HasPrefix(cleaned, prefix) {
		return filepath.Join(DefaultRoot(), strings.TrimPrefix(cleaned, prefix))
	}
	return cleaned
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" {
		return os.UserHomeDir()
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(trimmed, "~/")), nil
	}
	return trimmed, nil
}
