package task

import "time"

// Task はタスクを表す。
type Task struct {
	// ID はタスクの一意識別子（UUID）。
	ID string `json:"id"`
	// Title はタスクのタイトル。
	Title string `json:"title"`
	// Description はタスクの説明。
	Description string `json:"description"`
	// AuthorID はタスクを作成したユーザーのID。
	AuthorID string `json:"author_id"`
	// AssigneeID は担当者のユーザーID。未割り当ての場合は空文字列。
	AssigneeID string `json:"assignee_id"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `json:"created_at"`
}

// Comment はタスクへのコメントを表す。
type Comment struct {
	// ID はコメントの一意識別子（UUID）。
	ID string `json:"id"`
	// TaskID はコメント対象のタスクID。
	TaskID string `json:"task_id"`
	// AuthorID はコメントを投稿したユーザーのID。
	AuthorID string `json:"author_id"`
	// Body はコメント本文。
	Body string `json:"body"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `json:"created_at"`
}
