package service

import (
	"sync"
	"time"

	"turnbot/internal/game"
)

// ReminderFunc вызывается, когда напоминание для игры истекло
type ReminderFunc func(key game.GameKey, target int64)

type reminderTimer struct {
	target int64
	timer  *time.Timer
}

// ReminderScheduler держит не более одного ожидающего напоминания на игру.
// Новый Arm всегда отменяет предыдущий таймер ключа; отмененный таймер никогда не срабатывает.
type ReminderScheduler struct {
	delay  time.Duration
	onFire ReminderFunc

	mu      sync.Mutex
	timers  map[game.GameKey]*reminderTimer
	stopped bool
	// колбэки, уже прошедшие проверку; Stop ждет их завершения
	firing sync.WaitGroup
}

// NewReminderScheduler создает планировщик с фиксированной задержкой
func NewReminderScheduler(delay time.Duration, onFire ReminderFunc) *ReminderScheduler {
	return &ReminderScheduler{
		delay:  delay,
		onFire: onFire,
		timers: make(map[game.GameKey]*reminderTimer),
	}
}

// Arm заменяет текущее напоминание ключа новым для target
func (s *ReminderScheduler) Arm(key game.GameKey, target int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.cancelLocked(key)

	rt := &reminderTimer{target: target}
	rt.timer = time.AfterFunc(s.delay, func() { s.fire(key, rt) })
	s.timers[key] = rt
}

// Cancel отменяет напоминание ключа, если оно есть
func (s *ReminderScheduler) Cancel(key game.GameKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(key)
}

func (s *ReminderScheduler) cancelLocked(key game.GameKey) {
	if rt, ok := s.timers[key]; ok {
		rt.timer.Stop()
		delete(s.timers, key)
	}
}

// Pending возвращает адресата ожидающего напоминания
func (s *ReminderScheduler) Pending(key game.GameKey) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.timers[key]
	if !ok {
		return 0, false
	}
	return rt.target, true
}

func (s *ReminderScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop отменяет все напоминания и дожидается уже начатых колбэков;
// после возврата onFire больше не вызывается, последующие Arm игнорируются.
// Нельзя вызывать из самого onFire.
func (s *ReminderScheduler) Stop() {
	s.mu.Lock()
	for key := range s.timers {
		s.cancelLocked(key)
	}
	s.stopped = true
	s.mu.Unlock()

	s.firing.Wait()
}

// fire срабатывает в горутине таймера. Если таймер уже заменен или отменен,
// в карте лежит другой объект (или ничего) и колбэк не вызывается.
func (s *ReminderScheduler) fire(key game.GameKey, rt *reminderTimer) {
	s.mu.Lock()
	if cur, ok := s.timers[key]; s.stopped || !ok || cur != rt {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.firing.Add(1)
	s.mu.Unlock()
	defer s.firing.Done()

	if s.onFire != nil {
		s.onFire(key, rt.target)
	}
}
