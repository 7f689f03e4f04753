package bus

import (
	"testing"

	"github.com/tutorly/livesync/internal/event"
)

func TestOnEmitUnsubscribe(t *testing.T) {
	b := New(nil)

	var got []event.Category
	unsub := b.On(FullRefresh, func(p Payload) { got = append(got, p.Category) })

	if n := b.Emit(FullRefresh, Payload{Category: event.CategoryEnrollment}); n != 1 {
		t.Fatalf("Emit() ran %d handlers, want 1", n)
	}
	unsub()
	unsub() // idempotent
	b.Emit(FullRefresh, Payload{Category: event.CategoryCourseUpdate})

	if len(got) != 1 || got[0] != event.CategoryEnrollment {
		t.Errorf("got = %v, want [ENROLLMENT]", got)
	}
}

func TestEmitOnlyMatchingSignal(t *testing.T) {
	b := New(nil)
	courses := 0
	b.On(CourseData, func(Payload) { courses++ })

	b.Emit(UserData, Payload{})
	if courses != 0 {
		t.Error("handler ran for a different signal")
	}
}

func TestEmitRegistrationOrder(t *testing.T) {
	b := New(nil)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		b.On(FullRefresh, func(Payload) { order = append(order, i) })
	}
	b.Emit(FullRefresh, Payload{})
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	b := New(nil)
	ran := false
	b.On(FullRefresh, func(Payload) { panic("boom") })
	b.On(FullRefresh, func(Payload) { ran = true })

	b.Emit(FullRefresh, Payload{})
	if !ran {
		t.Error("second handler should run after the first panicked")
	}
}

func TestSelectiveSignal(t *testing.T) {
	tests := []struct {
		cat  event.Category
		want Signal
		ok   bool
	}{
		{event.CategoryCourseUpdate, CourseData, true},
		{event.CategoryUserManagement, UserData, true},
		{event.CategorySessionChange, SessionData, true},
		{event.CategoryEnrollment, EnrollmentData, true},
		{event.CategoryAdmin, AdminData, true},
		{event.CategoryTutor, TutorData, true},
		{event.CategoryStudent, StudentData, true},
		{event.CategoryBackgroundSync, "", false},
	}
	for _, tt := range tests {
		got, ok := SelectiveSignal(tt.cat)
		if got != tt.want || ok != tt.ok {
			t.Errorf("SelectiveSignal(%s) = (%q, %v), want (%q, %v)", tt.cat, got, ok, tt.want, tt.ok)
		}
	}
}

func TestClear(t *testing.T) {
	b := New(nil)
	b.On(FullRefresh, func(Payload) {})
	b.On(CourseData, func(Payload) {})
	b.Clear()
	if b.Count(FullRefresh) != 0 || b.Count(CourseData) != 0 {
		t.Error("Clear() left handlers behind")
	}
}
