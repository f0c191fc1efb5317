package task

import (
	"context"
	"fmt"

	"github.com/nao1215/taskhub/internal/outbox"
	"github.com/nao1215/taskhub/pkg/event"
)

// previewLength はコメント通知のプレビューに含める最大文字数（rune単位）。
const previewLength = 100

// Lookup は確定済みのタスクを参照する。
type Lookup interface {
	GetTask(ctx context.Context, id string) (*Task, error)
}

// AssignedRule は担当者付きで作成されたタスクからTASK_ASSIGNEDを導出する。
type AssignedRule struct{}

var _ outbox.Rule = AssignedRule{}

// Name はルール名を返す。
func (AssignedRule) Name() string { return "task_assigned" }

// Derive は担当者が設定された新規タスクに対して担当者宛の通知を導出する。
func (AssignedRule) Derive(_ context.Context, change outbox.Change) (event.Payload, error) {
	t, ok := change.Entity.(*Task)
	if !ok || t.AssigneeID == "" {
		return nil, nil
	}

	return event.TaskAssigned{Envelope: event.Envelope{
		TaskID:      t.ID,
		RecipientID: t.AssigneeID,
		SenderID:    t.AuthorID,
		Title:       "New task",
		Message:     "You have been assigned a new task: " + t.Title,
		URL:         "/tasks/" + t.ID,
	}}, nil
}

// CommentAddedRule は新規コメントからTASK_COMMENT_ADDEDを導出する。
//
// 対象タスクは確定済みの状態から読み取る。書き込み中のトランザクションで
// 作成されたばかりのタスクは見えないため、その場合は導出に失敗する。
type CommentAddedRule struct {
	tasks Lookup
}

var _ outbox.Rule = CommentAddedRule{}

// NewCommentAddedRule は新しいCommentAddedRuleを生成する。
func NewCommentAddedRule(tasks Lookup) CommentAddedRule {
	return CommentAddedRule{tasks: tasks}
}

// Name はルール名を返す。
func (CommentAddedRule) Name() string { return "task_comment_added" }

// Derive はコメント投稿者でない側のタスク関係者に宛てた通知を導出する。
// タスク作成者のコメントは担当者へ、それ以外のコメントはタスク作成者へ通知する。
func (r CommentAddedRule) Derive(ctx context.Context, change outbox.Change) (event.Payload, error) {
	c, ok := change.Entity.(*Comment)
	if !ok {
		return nil, nil
	}

	t, err := r.tasks.GetTask(ctx, c.TaskID)
	if err != nil {
		return nil, fmt.Errorf("コメント対象のタスクを取得できません: %w", err)
	}

	recipient := Recipient(t, c.AuthorID)
	if recipient == "" {
		return nil, nil
	}

	return event.TaskCommentAdded{
		Envelope: event.Envelope{
			TaskID:      t.ID,
			RecipientID: recipient,
			SenderID:    c.AuthorID,
			Title:       "New comment",
			Message:     "New comment on task: " + t.Title,
			URL:         fmt.Sprintf("/tasks/%s#comment-%s", t.ID, c.ID),
			Preview:     truncate(c.Body, previewLength),
		},
		CommentID: c.ID,
	}, nil
}

// Recipient はコメント通知の宛先を決定する。
// 宛先が存在しない場合やコメント投稿者自身になる場合は空文字列を返す。
func Recipient(t *Task, commentAuthorID string) string {
	recipient := t.AuthorID
	if commentAuthorID == t.AuthorID {
		recipient = t.AssigneeID
	}
	if recipient == commentAuthorID {
		return ""
	}
	return recipient
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
