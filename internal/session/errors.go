package session

import "errors"

var ErrSessionNotFound = errors.New("session not found")
var ErrPaneNotFound = errors.New("pane not found")
var ErrPaneBusy = errors.New("pane already processing a request")
var ErrSessionArchived = errors.New("session archived")
