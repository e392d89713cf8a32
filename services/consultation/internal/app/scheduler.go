package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"medconsult/pkg/domain"
	"medconsult/pkg/events"
	"medconsult/pkg/store"
)

// slotStart validates that t starts a whole hour and returns it in UTC.
func slotStart(t time.Time) (time.Time, error) {
	if t.IsZero() {
		return time.Time{}, fmt.Errorf("appointment time required: %w", domain.ErrInvalidInput)
	}
	t = t.UTC()
	if t.Minute() != 0 || t.Second() != 0 || t.Nanosecond() != 0 {
		return time.Time{}, fmt.Errorf("appointment time %s is not on the hour: %w", t.Format(time.RFC3339), domain.ErrInvalidInput)
	}
	return t, nil
}

// bookingBlocked applies the booking policy to the consultation's existing
// appointments.
func (a *App) bookingBlocked(existing []domain.Appointment) bool {
	for _, ap := range existing {
		if a.policy == PolicyAnyExisting || ap.State == domain.AppointmentPlanned {
			return true
		}
	}
	return false
}

// CreateAppointment books a one-hour slot with the consultation's doctor.
// The overlap check and insert run under the doctor's calendar lock, so the
// first committed booking of a slot wins.
func (a *App) CreateAppointment(ctx context.Context, actor domain.Actor, consultationID int64, startsAt time.Time) (domain.Appointment, error) {
	if err := requireRole(actor, domain.RolePatient); err != nil {
		return domain.Appointment{}, err
	}
	var out domain.Appointment
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		c, err := lockOwned(ctx, tx, actor, consultationID)
		if err != nil {
			return err
		}
		if err := requireState(c, domain.StateNeedsFollowUp); err != nil {
			return err
		}
		existing, err := tx.ListAppointmentsByConsultation(ctx, c.ID)
		if err != nil {
			return err
		}
		if a.bookingBlocked(existing) {
			return fmt.Errorf("consultation %d already has an appointment: %w", c.ID, domain.ErrInvalidState)
		}
		start, err := slotStart(startsAt)
		if err != nil {
			return err
		}
		if err := tx.LockDoctorCalendar(ctx, c.DoctorID); err != nil {
			return err
		}
		overlapping, err := tx.ListOverlappingAppointments(ctx, c.DoctorID, start, start.Add(domain.SlotDuration), domain.LiveAppointmentStates)
		if err != nil {
			return err
		}
		if len(overlapping) > 0 {
			return fmt.Errorf("slot %s is taken: %w", start.Format(time.RFC3339), domain.ErrConflict)
		}
		out = domain.Appointment{
			CreatedAt:      a.now(),
			StartsAt:       start,
			State:          domain.AppointmentPlanned,
			ConsultationID: c.ID,
			DoctorID:       c.DoctorID,
		}
		return tx.CreateAppointment(ctx, &out)
	})
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("create appointment: %w", err)
	}
	a.publish(ctx, events.AppointmentPlanned, out.ConsultationID, map[string]any{
		"appointmentId": out.ID, "startsAt": out.StartsAt,
	})
	return out, nil
}

// lockOwnedAppointment locks an appointment and its consultation, checking
// the actor owns the consultation.
func lockOwnedAppointment(ctx context.Context, tx store.Tx, actor domain.Actor, appointmentID int64) (domain.Appointment, error) {
	ap, ok, err := tx.LockAppointment(ctx, appointmentID)
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("lock appointment: %w", err)
	}
	if !ok {
		return domain.Appointment{}, fmt.Errorf("appointment %d: %w", appointmentID, domain.ErrNotFound)
	}
	if _, err := lockOwned(ctx, tx, actor, ap.ConsultationID); err != nil {
		return domain.Appointment{}, fmt.Errorf("appointment %d: %w", appointmentID, err)
	}
	return ap, nil
}

// RescheduleAppointment moves a planned appointment to another slot. Only
// other PLANNED appointments of the doctor count as conflicts.
func (a *App) RescheduleAppointment(ctx context.Context, actor domain.Actor, appointmentID int64, startsAt time.Time) (domain.Appointment, error) {
	if err := requireRole(actor, domain.RolePatient); err != nil {
		return domain.Appointment{}, err
	}
	var (
		out      domain.Appointment
		previous time.Time
	)
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		ap, err := lockOwnedAppointment(ctx, tx, actor, appointmentID)
		if err != nil {
			return err
		}
		if ap.State != domain.AppointmentPlanned {
			return fmt.Errorf("appointment %d is %s: %w", ap.ID, ap.State, domain.ErrInvalidState)
		}
		start, err := slotStart(startsAt)
		if err != nil {
			return err
		}
		if err := tx.LockDoctorCalendar(ctx, ap.DoctorID); err != nil {
			return err
		}
		overlapping, err := tx.ListOverlappingAppointments(ctx, ap.DoctorID, start, start.Add(domain.SlotDuration),
			[]domain.AppointmentState{domain.AppointmentPlanned})
		if err != nil {
			return err
		}
		for _, other := range overlapping {
			if other.ID != ap.ID {
				return fmt.Errorf("slot %s is taken: %w", start.Format(time.RFC3339), domain.ErrConflict)
			}
		}
		previous = ap.StartsAt
		ap.StartsAt = start
		if err := tx.UpdateAppointment(ctx, ap); err != nil {
			return err
		}
		out = ap
		return nil
	})
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("reschedule appointment: %w", err)
	}
	a.publish(ctx, events.AppointmentRescheduled, out.ConsultationID, map[string]any{
		"appointmentId": out.ID, "from": previous, "startsAt": out.StartsAt,
	})
	return out, nil
}

// CancelAppointment marks an appointment cancelled. The row is kept.
func (a *App) CancelAppointment(ctx context.Context, actor domain.Actor, appointmentID int64) (domain.Appointment, error) {
	if err := requireRole(actor, domain.RolePatient); err != nil {
		return domain.Appointment{}, err
	}
	var out domain.Appointment
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		ap, err := lockOwnedAppointment(ctx, tx, actor, appointmentID)
		if err != nil {
			return err
		}
		if ap.State == domain.AppointmentCancelled {
			return fmt.Errorf("appointment %d: %w", ap.ID, domain.ErrAlreadyCancelled)
		}
		ap.State = domain.AppointmentCancelled
		if err := tx.UpdateAppointment(ctx, ap); err != nil {
			return err
		}
		out = ap
		return nil
	})
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("cancel appointment: %w", err)
	}
	a.publish(ctx, events.AppointmentCancelled, out.ConsultationID, map[string]any{"appointmentId": out.ID})
	return out, nil
}

// ListAppointments returns the appointments linked to a consultation.
func (a *App) ListAppointments(ctx context.Context, actor domain.Actor, consultationID int64) ([]domain.Appointment, error) {
	c, err := a.loadOwned(ctx, actor, consultationID)
	if err != nil {
		return nil, err
	}
	list, err := a.store.ListAppointmentsByConsultation(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return list, nil
}

// UnavailableSlots returns the start of every booked slot of the doctor on
// the given UTC calendar day. doctorID zero selects the default doctor.
func (a *App) UnavailableSlots(ctx context.Context, doctorID int64, day time.Time) ([]time.Time, error) {
	if doctorID == 0 {
		doctorID = a.defaultDoctorID
	}
	doctor, ok, err := a.store.ResolveDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("resolve doctor: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("no active doctor: %w", domain.ErrNotFound)
	}
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	booked, err := a.store.ListOverlappingAppointments(ctx, doctor.ID, start, start.AddDate(0, 0, 1), domain.LiveAppointmentStates)
	if err != nil {
		return nil, fmt.Errorf("list booked slots: %w", err)
	}
	slots := make([]time.Time, 0, len(booked))
	for _, ap := range booked {
		if ap.StartsAt.Before(start) {
			continue
		}
		slots = append(slots, ap.StartsAt.UTC())
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Before(slots[j]) })
	return slots, nil
}
