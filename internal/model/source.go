package model

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
)

const (
	shardIndexFile   = "model.safetensors.index.json"
	singleWeightFile = "model.safetensors"
)

// Source identifies where model weights are loaded from.
type Source struct {
	ID    string
	Local bool
}

func (s Source) String() string {
	if s.Local {
		return "local:" + s.ID
	}
	return s.ID
}

// ResolveSource returns the local directory when it holds a complete set of
// weights and the remote identifier otherwise.
func ResolveSource(localPath, remoteID string) Source {
	if localPath == "" {
		return Source{ID: remoteID}
	}
	complete, reason := localComplete(localPath)
	if !complete {
		log.Printf("model: local model at %s unusable (%s), using %s", localPath, reason, remoteID)
		return Source{ID: remoteID}
	}
	return Source{ID: localPath, Local: true}
}

// localComplete checks a model directory. A sharded checkpoint is complete
// only when every file named in the index's weight_map exists.
func localComplete(dir string) (bool, string) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false, "directory missing"
	}

	indexPath := filepath.Join(dir, shardIndexFile)
	if raw, err := os.ReadFile(indexPath); err == nil {
		var index struct {
			WeightMap map[string]string `json:"weight_map"`
		}
		if err := json.Unmarshal(raw, &index); err != nil {
			return false, "unreadable " + shardIndexFile
		}
		if len(index.WeightMap) == 0 {
			return false, "empty weight_map"
		}
		seen := make(map[string]bool)
		for _, file := range index.WeightMap {
			if seen[file] {
				continue
			}
			seen[file] = true
			if _, err := os.Stat(filepath.Join(dir, file)); err != nil {
				return false, "missing shard " + file
			}
		}
		return true, ""
	}

	if _, err := os.Stat(filepath.Join(dir, singleWeightFile)); err == nil {
		return true, ""
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "*.gguf")); len(matches) > 0 {
		return true, ""
	}
	return false, "no weights found"
}
