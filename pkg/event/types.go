package event

// Type はイベントの種類を表す。
// アウトボックスのevent_typeカラムにそのまま保存される。
type Type string

const (
	// TypeTaskAssigned はタスクが担当者付きで作成されたことを表す。
	TypeTaskAssigned Type = "TASK_ASSIGNED"
	// TypeTaskCommentAdded はタスクにコメントが追加されたことを表す。
	TypeTaskCommentAdded Type = "TASK_COMMENT_ADDED"
)

// Envelope は全イベント種別に共通する通知ペイロード。
// 受信者の解決と通知レコードの生成に必要な情報をすべて持つ。
type Envelope struct {
	// TaskID は通知の起点となったタスクのID。
	TaskID string `json:"task_id"`
	// RecipientID は通知を受け取るユーザーのID。
	RecipientID string `json:"recipient_id"`
	// SenderID は通知の起点となった操作を行ったユーザーのID。
	SenderID string `json:"sender_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// URL は通知からの遷移先となるディープリンク。
	URL string `json:"url"`
	// Preview は本文の抜粋。存在しない種別もある。
	Preview string `json:"preview,omitempty"`
}

// Payload はイベント種別ごとのペイロードを表す閉じたインターフェース。
// 非公開メソッドによりこのパッケージ外での実装を禁止する。
type Payload interface {
	// EventType はペイロードに対応するイベント種別を返す。
	EventType() Type
	// Notification は通知配信に使用する共通エンベロープを返す。
	Notification() Envelope
	sealed()
}

// TaskAssigned はTASK_ASSIGNEDイベントのペイロード。
type TaskAssigned struct {
	Envelope
}

// EventType はTypeTaskAssignedを返す。
func (TaskAssigned) EventType() Type { return TypeTaskAssigned }

// Notification は共通エンベロープを返す。
func (p TaskAssigned) Notification() Envelope { return p.Envelope }

func (TaskAssigned) sealed() {}

// TaskCommentAdded はTASK_COMMENT_ADDEDイベントのペイロード。
type TaskCommentAdded struct {
	Envelope
	// CommentID は追加されたコメントのID。
	CommentID string `json:"comment_id"`
}

// EventType はTypeTaskCommentAddedを返す。
func (TaskCommentAdded) EventType() Type { return TypeTaskCommentAdded }

// Notification は共通エンベロープを返す。
func (p TaskCommentAdded) Notification() Envelope { return p.Envelope }

func (TaskCommentAdded) sealed() {}
