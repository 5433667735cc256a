package syncengine

import (
	"context"
	"sort"
	"sync"
)

// memClient is an in-memory storage service.
type memClient struct {
	mu          sync.Mutex
	now         int64
	collections map[string]CollectionInfo
	records     map[string]map[string]Record

	collectionsErr error
	fetchErr       map[string]error
	uploadErr      map[string]error
	initCalls      int
}

func newMemClient() *memClient {
	return &memClient{
		now:         1000,
		collections: make(map[string]CollectionInfo),
		records:     make(map[string]map[string]Record),
		fetchErr:    make(map[string]error),
		uploadErr:   make(map[string]error),
	}
}

func (c *memClient) tick() int64 {
	c.now += 10
	return c.now
}

func (c *memClient) Collections(context.Context) (map[string]CollectionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collectionsErr != nil {
		return nil, c.collectionsErr
	}
	out := make(map[string]CollectionInfo, len(c.collections))
	for k, v := range c.collections {
		out[k] = v
	}
	return out, nil
}

func (c *memClient) InitCollection(_ context.Context, name, syncID string) (CollectionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initCalls++
	if info, ok := c.collections[name]; ok {
		return info, nil
	}
	info := CollectionInfo{SyncID: syncID, Modified: c.tick()}
	c.collections[name] = info
	if c.records[name] == nil {
		c.records[name] = make(map[string]Record)
	}
	return info, nil
}

func (c *memClient) Fetch(_ context.Context, name string, since int64) (Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fetchErr[name]; err != nil {
		return Batch{}, err
	}
	var out []Record
	for _, r := range c.records[name] {
		if r.Modified > since {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return Batch{Records: out, Timestamp: c.now}, nil
}

func (c *memClient) Upload(_ context.Context, name string, records []Record) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.uploadErr[name]; err != nil {
		return 0, err
	}
	modified := c.tick()
	for _, r := range records {
		r.Modified = modified
		c.records[name][r.ID] = r
	}
	info := c.collections[name]
	info.Modified = modified
	c.collections[name] = info
	return modified, nil
}

// put stores a record as if another client uploaded it.
func (c *memClient) put(name string, r Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.Modified = c.tick()
	if c.records[name] == nil {
		c.records[name] = make(map[string]Record)
	}
	c.records[name][r.ID] = r
}

// memEngine keeps records in memory and logs the calls it receives.
type memEngine struct {
	name    string
	local   map[string]Record
	dirty   map[string]bool
	assoc   Association
	calls   []string
	applied []Record

	applyErr error
	stageErr error
	wipeErr  error
}

func newMemEngine(name string) *memEngine {
	return &memEngine{
		name:  name,
		local: make(map[string]Record),
		dirty: make(map[string]bool),
	}
}

func (e *memEngine) add(r Record) {
	e.local[r.ID] = r
	e.dirty[r.ID] = true
}

func (e *memEngine) CollectionName() string { return e.name }

func (e *memEngine) ApplyIncoming(_ context.Context, records []Record) (IncomingOutcome, error) {
	e.calls = append(e.calls, "apply")
	if e.applyErr != nil {
		return IncomingOutcome{Failed: len(records)}, e.applyErr
	}
	var out IncomingOutcome
	for _, r := range records {
		e.applied = append(e.applied, r)
		if cur, ok := e.local[r.ID]; ok && string(cur.Payload) == string(r.Payload) {
			out.Reconciled++
			continue
		}
		e.local[r.ID] = r
		out.Applied++
	}
	return out, nil
}

func (e *memEngine) StageOutgoing(context.Context) ([]Record, error) {
	e.calls = append(e.calls, "stage")
	if e.stageErr != nil {
		return nil, e.stageErr
	}
	ids := make([]string, 0, len(e.dirty))
	for id := range e.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.local[id])
	}
	return out, nil
}

func (e *memEngine) SetUploaded(_ context.Context, _ int64, ids []string) error {
	e.calls = append(e.calls, "uploaded")
	for _, id := range ids {
		delete(e.dirty, id)
	}
	return nil
}

func (e *memEngine) Reset(_ context.Context, assoc Association) error {
	e.calls = append(e.calls, "reset:"+assoc.String())
	e.assoc = assoc
	for id := range e.local {
		e.dirty[id] = true
	}
	return nil
}

func (e *memEngine) Wipe(context.Context) error {
	e.calls = append(e.calls, "wipe")
	if e.wipeErr != nil {
		return e.wipeErr
	}
	e.local = make(map[string]Record)
	e.dirty = make(map[string]bool)
	return nil
}
