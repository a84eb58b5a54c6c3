// Package merge collapses the file-edit intents emitted by one wave of
// concurrent tasks into a deterministic set of merged patches. Intents
// targeting the same file resolve by last-writer-wins: latest creation time,
// ties broken by intent id. The merge is a pure function of its input set;
// permuting the input never changes the outcome.
package merge

import (
	"hash/fnv"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"goa.design/loom/runtime/plan"
)

type (
	// Intent is a proposed file edit produced by an executing task. The
	// executor creates intents; they are read-only thereafter.
	Intent struct {
		// ID uniquely identifies the intent.
		ID string `json:"id"`

		// WaveID names the scheduled group the producing task ran in.
		WaveID string `json:"waveId"`

		// TaskID names the producing task.
		TaskID string `json:"taskId"`

		// AgentID names the agent that emitted the edit.
		AgentID plan.AgentID `json:"agentId"`

		// FilePath is the repository-relative path of the edited file.
		FilePath string `json:"filePath"`

		// Content is the full proposed file content.
		Content string `json:"content"`

		// ContentHash is the FNV-1a hash of Content, for cheap comparison
		// and journaling.
		ContentHash string `json:"contentHash"`

		// CreatedAt orders intents within a wave.
		CreatedAt time.Time `json:"createdAt"`
	}

	// Source records one contributing intent inside a merged patch, in the
	// order the merge considered it.
	Source struct {
		// IntentID is the contributing intent's id.
		IntentID string `json:"intentId"`

		// TaskID names the task that produced the contribution.
		TaskID string `json:"taskId"`

		// AgentID names the producing agent.
		AgentID plan.AgentID `json:"agentId"`

		// ContentHash allows a journal reader to recover which contribution
		// won without storing every content body.
		ContentHash string `json:"contentHash"`

		// CreatedAt is the contribution's creation time.
		CreatedAt time.Time `json:"createdAt"`
	}

	// Patch is the merge outcome for a single file path.
	Patch struct {
		// FilePath is the file the patch applies to.
		FilePath string `json:"filePath"`

		// Content is the winning intent's content.
		Content string `json:"content"`

		// Sources lists every contributing intent in creation order. The
		// winner is always the last entry.
		Sources []Source `json:"sources"`

		// Conflict reports whether two or more distinct tasks targeted the
		// file in the same wave. Repeated edits by a single task form a
		// local sequence and do not conflict.
		Conflict bool `json:"conflict"`
	}

	// Result is the merge output for one wave.
	Result struct {
		// Merged holds one patch per touched file, ordered by file path.
		Merged []Patch `json:"merged"`

		// Conflicts is the subset of Merged with the conflict flag set, in
		// the same order.
		Conflicts []Patch `json:"conflicts"`

		// TouchedFiles lists every merged file path in sorted order.
		TouchedFiles []string `json:"touchedFiles"`
	}
)

// NewIntent builds a file-edit intent for the given task, stamping a fresh
// id, the content hash, and the creation time.
func NewIntent(waveID, taskID string, agentID plan.AgentID, filePath, content string) Intent {
	return Intent{
		ID:          uuid.NewString(),
		WaveID:      waveID,
		TaskID:      taskID,
		AgentID:     agentID,
		FilePath:    filePath,
		Content:     content,
		ContentHash: HashContent(content),
		CreatedAt:   time.Now().UTC(),
	}
}

// HashContent returns the hex-encoded 64-bit FNV-1a hash of content.
func HashContent(content string) string {
	h := fnv.New64a()
	h.Write([]byte(content))
	return strconv.FormatUint(h.Sum64(), 16)
}

// Merge collapses one wave's intents into per-file patches. Within a file
// group intents are ordered by creation time ascending with ties broken by
// id; the last entry wins. A conflict is recorded when the group spans more
// than one task. The input slice is not modified.
func Merge(intents []Intent) Result {
	groups := make(map[string][]Intent, len(intents))
	for _, in := range intents {
		groups[in.FilePath] = append(groups[in.FilePath], in)
	}

	paths := make([]string, 0, len(groups))
	for p := range groups {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	res := Result{TouchedFiles: paths}
	res.Merged = make([]Patch, 0, len(paths))
	for _, path := range paths {
		group := append([]Intent(nil), groups[path]...)
		sort.Slice(group, func(i, j int) bool {
			if group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].ID < group[j].ID
			}
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})

		winner := group[len(group)-1]
		sources := make([]Source, len(group))
		tasks := make(map[string]struct{}, len(group))
		for i, in := range group {
			sources[i] = Source{
				IntentID:    in.ID,
				TaskID:      in.TaskID,
				AgentID:     in.AgentID,
				ContentHash: in.ContentHash,
				CreatedAt:   in.CreatedAt,
			}
			tasks[in.TaskID] = struct{}{}
		}

		p := Patch{
			FilePath: path,
			Content:  winner.Content,
			Sources:  sources,
			Conflict: len(tasks) > 1,
		}
		res.Merged = append(res.Merged, p)
		if p.Conflict {
			res.Conflicts = append(res.Conflicts, p)
		}
	}
	return res
}
