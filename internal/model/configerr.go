package model

import (
	"log/slog"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one validation problem in a form usable for both
// terminal output and structured logs.
type CueErrorDetail struct {
	Path    string // fixtures.postgres.ready.port
	Message string
	Pos     CueErrorPosition
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)}
}

// CueErrDetails unpacks a cue validation error into per problem
// details. Non cue errors yield a single detail with no position.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		detail := CueErrorDetail{
			Path:    normalizePath(e.Path()),
			Message: cueerrors.Details(e, nil),
		}
		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() == "" {
				continue
			}
			detail.Pos = CueErrorPosition{
				Filename: pos.Filename(),
				Line:     pos.Line(),
				Column:   pos.Column(),
			}
			break
		}
		out = append(out, detail)
	}
	if len(out) == 0 {
		out = append(out, CueErrorDetail{Message: err.Error()})
	}
	return out
}

// normalizePath drops the leading schema definition from a cue path,
// #Config.fixtures.db becomes fixtures.db.
func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
