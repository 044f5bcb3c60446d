package source

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"fleet-dispatcher/pkg/types"
	"github.com/google/uuid"
)

// Urgent work dominates generated files.
var filePriorities = []int{1, 1, 1, 5, 5, 10, 10}

var dataTemplates = []string{
	"Process customer feedback log: %s",
	"Analyze sales data for region: %s",
	"Render video frame sequence: %s",
	"Transcode audio file: %s",
	"Run ML inference on image batch: %s",
	"Archive user data for user_id: %s",
	"Calculate financial risk model for transaction: %s",
}

var regions = []string{"NA", "EMEA", "APAC", "LATAM"}

type generatedRecord struct {
	TaskID   string `json:"task_id"`
	Priority int    `json:"priority"`
	Location string `json:"location"`
	Data     string `json:"data"`
}

// WriteFile writes n synthetic records to path as an indented JSON array
// that FileSource can load.
func WriteFile(path string, n int, nodes []string, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	locations := append(append([]string(nil), nodes...), types.DefaultLocation)

	rows := make([]generatedRecord, 0, n)
	for i := 0; i < n; i++ {
		tmpl := rng.Intn(len(dataTemplates))
		var arg string
		switch tmpl {
		case 1:
			arg = regions[rng.Intn(len(regions))]
		case 5:
			arg = fmt.Sprintf("%d", 10000+rng.Intn(90000))
		default:
			arg = uuid.NewString()
		}
		rows = append(rows, generatedRecord{
			TaskID:   types.NewTaskID(),
			Priority: filePriorities[rng.Intn(len(filePriorities))],
			Location: locations[rng.Intn(len(locations))],
			Data:     fmt.Sprintf(dataTemplates[tmpl], arg),
		})
	}

	data, err := json.MarshalIndent(rows, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal tasks: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
