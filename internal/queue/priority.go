package queue

import "fmt"

// Class separates never-attempted tasks from retries
type Class int

const (
	ClassFresh Class = iota
	ClassRetry
)

func (c Class) String() string {
	if c == ClassFresh {
		return "fresh"
	}
	return "retry"
}

// Priority orders tasks in the queue. Fresh work always precedes retries;
// retries with fewer attempts precede retries with more.
type Priority struct {
	Class   Class
	Attempt int
}

// Fresh is the priority of a task that has not been attempted
func Fresh() Priority {
	return Priority{Class: ClassFresh}
}

// Retry is the priority of a task that already failed attempt times
func Retry(attempt int) Priority {
	return Priority{Class: ClassRetry, Attempt: attempt}
}

// Less reports whether p is served before o
func (p Priority) Less(o Priority) bool {
	if p.Class != o.Class {
		return p.Class < o.Class
	}
	return p.Attempt < o.Attempt
}

func (p Priority) String() string {
	if p.Class == ClassFresh {
		return "fresh"
	}
	return fmt.Sprintf("retry(%d)", p.Attempt)
}
