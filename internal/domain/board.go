package domain

import (
	"errors"
	"strings"
)

type Board struct {
	ID          string
	WorkspaceID string
	Title       string
	Position    int
}

type Section struct {
	ID       string
	BoardID  string
	Title    string
	Position int
}

// Task carries a workspace-scoped Number assigned once at creation.
type Task struct {
	ID          string
	SectionID   string
	Number      int64
	Title       string
	Description string
	Position    int
}

type SubTask struct {
	ID       string
	TaskID   string
	Title    string
	Done     bool
	Position int
}

// Child is the storage-neutral shape of any ordered entity on insert.
type Child struct {
	ID          string
	Container   ContainerRef
	Title       string
	Description string
	Number      int64
}

func (c Child) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("child id is required")
	}
	if err := c.Container.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Title) == "" {
		return errors.New("title is required")
	}
	if c.Container.Kind == ContainerSection && c.Number <= 0 {
		return errors.New("task number is required")
	}
	return nil
}
