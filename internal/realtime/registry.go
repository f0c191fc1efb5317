package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultBufferSize は接続ごとの送信バッファのデフォルト容量。
const DefaultBufferSize = 16

// Message はクライアントに配信する通知。
type Message struct {
	// ID は通知レコードのID。
	ID string `json:"id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// URL は通知に関連する画面のパス。
	URL string `json:"url"`
}

// Conn はクライアントの1つの接続を表す。
type Conn struct {
	// ID は接続の一意識別子。
	ID string
	// UserID は接続しているユーザーのID。
	UserID string

	ch     chan Message
	closed bool
}

// Messages は接続に配信されたメッセージを受け取るチャネルを返す。
// 接続が切断されるとチャネルは閉じられる。
func (c *Conn) Messages() <-chan Message {
	return c.ch
}

// Registry はユーザーIDごとの接続の集合を保持する。
// 送信は読み取りロック、切断は書き込みロックの下で行うため、
// 閉じたチャネルへ送信することはない。
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]map[*Conn]struct{}
	buffer int
}

// NewRegistry は新しいRegistryを生成する。bufferは接続ごとの送信バッファ容量。
func NewRegistry(buffer int) *Registry {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Registry{
		conns:  make(map[string]map[*Conn]struct{}),
		buffer: buffer,
	}
}

// Connect はユーザーの新しい接続を登録する。
func (r *Registry) Connect(userID string) *Conn {
	c := &Conn{
		ID:     uuid.New().String(),
		UserID: userID,
		ch:     make(chan Message, r.buffer),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		set = make(map[*Conn]struct{})
		r.conns[userID] = set
	}
	set[c] = struct{}{}
	return c
}

// Disconnect は接続を登録解除し、メッセージチャネルを閉じる。
// 同じ接続に対して複数回呼び出しても安全である。
func (r *Registry) Disconnect(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectLocked(c)
}

// Close は全ての接続を切断する。
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, set := range r.conns {
		for c := range set {
			r.disconnectLocked(c)
		}
	}
}

func (r *Registry) disconnectLocked(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)

	set := r.conns[c.UserID]
	delete(set, c)
	if len(set) == 0 {
		delete(r.conns, c.UserID)
	}
}

// Count はユーザーの接続数を返す。
func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}

// send はユーザーの全接続にmsgを非ブロッキングで送信する。
// 送信できた接続数とバッファが満杯で送れなかった接続数を返す。
func (r *Registry) send(userID string, msg Message) (sent, dropped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.conns[userID] {
		select {
		case c.ch <- msg:
			sent++
		default:
			dropped++
		}
	}
	return sent, dropped
}
