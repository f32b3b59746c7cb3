package pack

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// The MLTR container layout:
//
//	header  magic "MLTR", one version byte, uint32 big-endian index offset
//	blocks  one zlib-compressed JSON document per task
//	index   fixed 48-byte entries: 36-byte task id, uint32 size, uint64 offset
//
// Offsets are absolute from the start of the file. The JSON documents are
// marshaled with sorted keys, so packing the same tasks twice produces
// byte-identical output.
const (
	magic         = "MLTR"
	formatVersion = byte(1)
	headerSize    = 9
	taskIDSize    = 36
	entrySize     = taskIDSize + 4 + 8
)

// Source marks where a text came from.
type Source string

const (
	SourceText  Source = "TEXT"
	SourceAudio Source = "AUDIO"
)

// Entry is one language's text inside a task block.
type Entry struct {
	Text   string `json:"text"`
	Source Source `json:"source"`
}

// TaskData is the packable view of one task's results.
type TaskData struct {
	TaskID    string           `json:"task_id"`
	Languages map[string]Entry `json:"languages"`
}

// NewTaskData creates an empty task block.
func NewTaskData(taskID string) *TaskData {
	return &TaskData{
		TaskID:    taskID,
		Languages: make(map[string]Entry),
	}
}

// Add records one language's text.
func (d *TaskData) Add(language, text string, source Source) {
	d.Languages[language] = Entry{Text: text, Source: source}
}

// Get returns the text for a language.
func (d *TaskData) Get(language string) (Entry, bool) {
	e, ok := d.Languages[language]
	return e, ok
}

// Build serializes tasks into one MLTR container.
func Build(tasks []*TaskData) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteByte(formatVersion)
	// Placeholder for the index offset, patched once blocks are written.
	buf.Write(make([]byte, 4))

	type indexEntry struct {
		taskID string
		size   uint32
		offset uint64
	}
	index := make([]indexEntry, 0, len(tasks))

	for _, task := range tasks {
		if len(task.TaskID) != taskIDSize {
			return nil, fmt.Errorf("task id %q is not %d bytes", task.TaskID, taskIDSize)
		}

		doc, err := json.Marshal(task)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal task %s: %w", task.TaskID, err)
		}

		offset := uint64(buf.Len())
		var block bytes.Buffer
		zw, err := zlib.NewWriterLevel(&block, zlib.BestCompression)
		if err != nil {
			return nil, fmt.Errorf("failed to create compressor: %w", err)
		}
		if _, err := zw.Write(doc); err != nil {
			return nil, fmt.Errorf("failed to compress task %s: %w", task.TaskID, err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish compressing task %s: %w", task.TaskID, err)
		}

		buf.Write(block.Bytes())
		index = append(index, indexEntry{
			taskID: task.TaskID,
			size:   uint32(block.Len()),
			offset: offset,
		})
	}

	indexOffset := uint32(buf.Len())
	for _, e := range index {
		buf.WriteString(e.taskID)
		if err := binary.Write(&buf, binary.BigEndian, e.size); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.BigEndian, e.offset); err != nil {
			return nil, err
		}
	}

	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[len(magic)+1:headerSize], indexOffset)
	return out, nil
}

// Reader provides random access into an MLTR container.
type Reader struct {
	data  []byte
	index map[string]span
}

type span struct {
	offset uint64
	size   uint32
}

// NewReader validates the container and parses its index.
func NewReader(data []byte) (*Reader, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("package too short: %d bytes", len(data))
	}
	if string(data[:len(magic)]) != magic {
		return nil, fmt.Errorf("bad magic %q", data[:len(magic)])
	}
	if data[len(magic)] != formatVersion {
		return nil, fmt.Errorf("unsupported format version %d", data[len(magic)])
	}

	indexOffset := binary.BigEndian.Uint32(data[len(magic)+1 : headerSize])
	if int(indexOffset) < headerSize || int(indexOffset) > len(data) {
		return nil, fmt.Errorf("index offset %d out of range", indexOffset)
	}

	indexData := data[indexOffset:]
	if len(indexData)%entrySize != 0 {
		return nil, fmt.Errorf("index length %d is not a multiple of %d", len(indexData), entrySize)
	}

	r := &Reader{
		data:  data,
		index: make(map[string]span, len(indexData)/entrySize),
	}
	for i := 0; i < len(indexData); i += entrySize {
		entry := indexData[i : i+entrySize]
		taskID := string(entry[:taskIDSize])
		size := binary.BigEndian.Uint32(entry[taskIDSize : taskIDSize+4])
		offset := binary.BigEndian.Uint64(entry[taskIDSize+4:])
		if offset+uint64(size) > uint64(indexOffset) {
			return nil, fmt.Errorf("block for task %s overruns the index", taskID)
		}
		r.index[taskID] = span{offset: offset, size: size}
	}
	return r, nil
}

// TaskIDs lists the tasks present in the container.
func (r *Reader) TaskIDs() []string {
	ids := make([]string, 0, len(r.index))
	for id := range r.index {
		ids = append(ids, id)
	}
	return ids
}

// Task decompresses and decodes one task block.
func (r *Reader) Task(taskID string) (*TaskData, error) {
	s, ok := r.index[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s not in package", taskID)
	}

	zr, err := zlib.NewReader(bytes.NewReader(r.data[s.offset : s.offset+uint64(s.size)]))
	if err != nil {
		return nil, fmt.Errorf("failed to open block for task %s: %w", taskID, err)
	}
	defer zr.Close()

	doc, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress task %s: %w", taskID, err)
	}

	var data TaskData
	if err := json.Unmarshal(doc, &data); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", taskID, err)
	}
	return &data, nil
}

// QueryText returns one language's text without touching other blocks.
func (r *Reader) QueryText(taskID, language string) (string, error) {
	data, err := r.Task(taskID)
	if err != nil {
		return "", err
	}
	entry, ok := data.Get(language)
	if !ok {
		return "", fmt.Errorf("task %s has no text for language %s", taskID, language)
	}
	return entry.Text, nil
}
