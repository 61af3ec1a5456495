package catalog

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
)

// Seed file names under the engine config directory.
const (
	DutiesFile        = "duties.yaml"
	MissionsFile      = "missions.yaml"
	WorkerPromptsFile = "worker_prompts.yaml"
)

// DutiesPath returns the on-disk duties.yaml location.
func DutiesPath(cfg *config.Config) string {
	return filepath.Join(cfg.EngineConfigDir(), DutiesFile)
}

// MissionsPath returns the on-disk missions.yaml location.
func MissionsPath(cfg *config.Config) string {
	return filepath.Join(cfg.EngineConfigDir(), MissionsFile)
}

// WorkerPromptsPath returns the on-disk worker_prompts.yaml location.
func WorkerPromptsPath(cfg *config.Config) string {
	return filepath.Join(cfg.EngineConfigDir(), WorkerPromptsFile)
}

// Scaffold creates the runtime directory tree and writes embedded defaults
// for anything missing: catalog YAML seeds, role files, and per-duty /
// per-mission prompt markdown. Existing files are never overwritten, so user
// edits survive restarts.
func Scaffold(cfg *config.Config, log *logger.Logger) error {
	dirs := []string{
		cfg.DataDir(),
		cfg.PidsDir(),
		cfg.EngineConfigDir(),
		cfg.RolesDir(),
		cfg.MissionsDir(),
		cfg.ScheduledDir(),
		cfg.DesktopDir(),
		cfg.SessionsDir(),
		cfg.ConversationsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	for _, name := range []string{DutiesFile, MissionsFile, WorkerPromptsFile} {
		dst := filepath.Join(cfg.EngineConfigDir(), name)
		wrote, err := writeIfMissing(dst, "defaults/"+name)
		if err != nil {
			return err
		}
		if wrote {
			log.Info("scaffolded catalog seed", zap.String("file", dst))
		}
	}

	if err := scaffoldRoles(cfg, log); err != nil {
		return err
	}
	return scaffoldPrompts(cfg, log)
}

// scaffoldRoles copies the embedded role tree into .claude/roles, skipping
// files the user already has.
func scaffoldRoles(cfg *config.Config, log *logger.Logger) error {
	const root = "defaults/roles"
	return fs.WalkDir(defaultsFS, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		dst := filepath.Join(cfg.RolesDir(), rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		wrote, wErr := writeIfMissing(dst, path)
		if wErr != nil {
			return wErr
		}
		if wrote {
			log.Debug("scaffolded role file", zap.String("file", dst))
		}
		return nil
	})
}

// scaffoldPrompts materializes the inline prompts from the YAML seeds as
// markdown files the schedulers hand to agents. The YAML on disk may have
// been edited by the user, so it is read back rather than the embedded copy.
func scaffoldPrompts(cfg *config.Config, log *logger.Logger) error {
	duties, err := LoadDuties(DutiesPath(cfg))
	if err != nil {
		return err
	}
	for _, d := range duties {
		if d.Prompt == "" {
			continue
		}
		dst := filepath.Join(cfg.ScheduledDir(), d.Slug+".md")
		wrote, err := writeContentIfMissing(dst, d.Prompt)
		if err != nil {
			return err
		}
		if wrote {
			log.Debug("scaffolded duty prompt", zap.String("file", dst))
		}
	}

	missions, err := LoadMissions(MissionsPath(cfg))
	if err != nil {
		return err
	}
	for _, m := range missions {
		if m.Prompt == "" {
			continue
		}
		dst := filepath.Join(cfg.MissionsDir(), m.Slug+".md")
		wrote, err := writeContentIfMissing(dst, m.Prompt)
		if err != nil {
			return err
		}
		if wrote {
			log.Debug("scaffolded mission prompt", zap.String("file", dst))
		}
	}
	return nil
}

func writeIfMissing(dst, embeddedPath string) (bool, error) {
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat %s: %w", dst, err)
	}
	data, err := defaultsFS.ReadFile(embeddedPath)
	if err != nil {
		return false, fmt.Errorf("read embedded %s: %w", embeddedPath, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", dst, err)
	}
	return true, nil
}

func writeContentIfMissing(dst, content string) (bool, error) {
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat %s: %w", dst, err)
	}
	if err := os.WriteFile(dst, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", dst, err)
	}
	return true, nil
}
