// Package extract pulls structured objects out of model completions.
package extract
