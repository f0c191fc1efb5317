// Package logging はサービス共通の構造化ロガーを提供する。
//
// zapをベースにしたJSONロガーを生成する。各コンポーネントは
// logger.Named("relay") のように名前付きの子ロガーを派生させて使用する。
package logging
