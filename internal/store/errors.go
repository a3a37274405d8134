package store

import "github.com/deepresearch/orchestrator/internal/apperr"

// ErrNotFound is returned by GetTask, UpdateTaskStatus and GetReport when
// the task or report does not exist. Both backends surface the same
// sentinel; AppendLog does not check that the task exists.
var ErrNotFound = apperr.New(apperr.KindPersistence, nil, "store: not found")

// ErrAlreadyExists is returned by CreateTask/CreateReport when the
// unique key (task id) is already present. Both backends surface the
// same sentinel so callers need not special-case the driver.
var ErrAlreadyExists = apperr.New(apperr.KindPersistence, nil, "store: already exists")
