// Package database はSQLiteデータベースへの接続とエラー分類を提供する。
//
// 全サービスは modernc.org/sqlite ドライバをWALモードで使用する。
// 書き込みトランザクションは BEGIN IMMEDIATE で開始し、
// 読み取りは別コネクションからコミット済みのスナップショットを参照する。
package database
