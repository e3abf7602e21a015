package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/koabula/E-Chat/internal/model"
	"github.com/koabula/E-Chat/internal/store"
)

// memStore is an in-memory Store for transport tests.
type memStore struct {
	mu       sync.Mutex
	messages []model.Message
	byID     map[string]bool
	saveErr  error
}

func newMemStore() *memStore {
	return &memStore{byID: make(map[string]bool)}
}

func (s *memStore) setSaveErr(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

func (s *memStore) SaveMessage(_ context.Context, m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.byID[m.MessageID] {
		return nil
	}
	s.byID[m.MessageID] = true
	s.messages = append(s.messages, m)
	return nil
}

func (s *memStore) HasMessage(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[messageID], nil
}

func (s *memStore) GetMessages(_ context.Context, filter store.MessageFilter) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if filter.ContactEmail != nil && m.ContactEmail != *filter.ContactEmail {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *memStore) MarkConversationRead(context.Context, string) error { return nil }
func (s *memStore) UpsertContact(context.Context, model.Contact) error { return nil }
func (s *memStore) GetContacts(context.Context) ([]model.Contact, error) {
	return nil, nil
}
func (s *memStore) GetContact(context.Context, string) (*model.Contact, error) {
	return nil, nil
}
func (s *memStore) DeleteContact(context.Context, string) error { return nil }

func (s *memStore) GetStats(context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.Stats{TotalMessages: len(s.messages)}, nil
}

func (s *memStore) saved() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// fakeSender implements Sender with scriptable failures.
type fakeSender struct {
	mu        sync.Mutex
	failSends int // fail this many Send calls, then succeed; -1 fails forever
	sends     [][]byte
	sendCalls int
	connects  int
}

func (f *fakeSender) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeSender) Send(_, _ string, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.failSends == -1 || f.sendCalls <= f.failSends {
		return &ConnError{Channel: ChannelSMTP, Op: "send", Err: fmt.Errorf("boom")}
	}
	buf := make([]byte, len(raw))
	copy(buf, raw)
	f.sends = append(f.sends, buf)
	return nil
}

func (f *fakeSender) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sends))
	copy(out, f.sends)
	return out
}

// idleResult scripts one IdleWait outcome.
type idleResult struct {
	notified bool
	err      error
}

// fakeMailbox implements Mailbox over in-memory messages. Setting
// idleResults makes IdleWait block until a result is sent or stop closes;
// ensureErrs are consumed one per EnsureReady call before it succeeds.
type fakeMailbox struct {
	mu          sync.Mutex
	folders     []string
	selected    string
	raws        map[imap.UID][]byte
	seen        map[imap.UID]bool
	idle        bool
	fetchCalls  int
	ensureCalls int
	ensureErrs  []error
	idleResults chan idleResult
	idleWindows []time.Duration
}

func newFakeMailbox(folders ...string) *fakeMailbox {
	if len(folders) == 0 {
		folders = []string{"INBOX"}
	}
	return &fakeMailbox{
		folders: folders,
		raws:    make(map[imap.UID][]byte),
		seen:    make(map[imap.UID]bool),
	}
}

func (f *fakeMailbox) addMessage(uid imap.UID, raw []byte) {
	f.mu.Lock()
	f.raws[uid] = raw
	f.mu.Unlock()
}

func (f *fakeMailbox) EnsureReady() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	if len(f.ensureErrs) > 0 {
		err := f.ensureErrs[0]
		f.ensureErrs = f.ensureErrs[1:]
		return err
	}
	return nil
}

func (f *fakeMailbox) SupportsIdle() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle, nil
}

func (f *fakeMailbox) ListFolders() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.folders...), nil
}

func (f *fakeMailbox) SelectFolder(name string) error {
	f.mu.Lock()
	f.selected = name
	f.mu.Unlock()
	return nil
}

func (f *fakeMailbox) SearchUnseen() ([]imap.UID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var uids []imap.UID
	for uid := range f.raws {
		if !f.seen[uid] {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

func (f *fakeMailbox) FetchRaw(uid imap.UID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	raw, ok := f.raws[uid]
	if !ok {
		return nil, &ConnError{Channel: ChannelIMAP, Op: "fetch", Err: fmt.Errorf("no such uid %d", uid)}
	}
	return raw, nil
}

func (f *fakeMailbox) MarkSeen(uid imap.UID) error {
	f.mu.Lock()
	f.seen[uid] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeMailbox) IdleWait(window time.Duration, stop <-chan struct{}) (bool, error) {
	f.mu.Lock()
	f.idleWindows = append(f.idleWindows, window)
	results := f.idleResults
	f.mu.Unlock()

	if results == nil {
		<-stop
		return false, nil
	}
	select {
	case r := <-results:
		return r.notified, r.err
	case <-stop:
		return false, nil
	}
}

func (f *fakeMailbox) isSeen(uid imap.UID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[uid]
}

func (f *fakeMailbox) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func (f *fakeMailbox) ensures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensureCalls
}

func (f *fakeMailbox) windows() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.idleWindows))
	copy(out, f.idleWindows)
	return out
}
