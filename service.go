package hio

import "container/list"

// ServiceStopFunc is invoked once when a service is stopped, either
// explicitly via Loop.StopService or implicitly during loop shutdown.
type ServiceStopFunc func(l *Loop)

// Service is a named long-lived component registered with a Loop -
// typically an htts listener, but any component with a start/stop
// lifecycle tied to the loop's own lifetime can register one. Services
// stop in the reverse of their start order, so a later service that
// depends on an earlier one (e.g. a FastCGI client session service
// depending on the fcgi listener) always stops first.
type Service struct {
	Name string
	Stop ServiceStopFunc

	loop    *Loop
	elem    *list.Element
	stopped bool
}

// serviceList is the registry backing Loop.StartService/StopService: a
// plain doubly-linked list walked back-to-front on shutdown.
type serviceList struct {
	l *list.List
}

func newServiceList() *serviceList {
	return &serviceList{l: list.New()}
}

// StartService registers svc with the loop and returns it. The returned
// Service's Stop func will be invoked at most once.
func (l *Loop) StartService(name string, stop ServiceStopFunc) *Service {
	svc := &Service{Name: name, Stop: stop, loop: l}
	svc.elem = l.services.l.PushBack(svc)
	l.log.Info("service started", "name", name)
	return svc
}

// StopService stops svc immediately, removing it from the registry. Safe
// to call more than once.
func (l *Loop) StopService(svc *Service) {
	if svc == nil || svc.stopped {
		return
	}
	svc.stopped = true
	if svc.elem != nil {
		l.services.l.Remove(svc.elem)
		svc.elem = nil
	}
	if svc.Stop != nil {
		l.safeCall(func() { svc.Stop(l) })
	}
	l.log.Info("service stopped", "name", svc.Name)
}

// stopAll stops every registered service in reverse start order. When
// wait is true the loop blocks for each Stop call to return before moving
// on to the next; the default (false) still calls each Stop synchronously
// on the loop goroutine but does not otherwise special-case ordering
// beyond the reverse walk itself. The wait parameter exists for services
// whose Stop hands a goroutine-based teardown to a channel the caller
// wants drained before the next service tears down a shared dependency.
func (l *serviceList) stopAll(wait bool) {
	for e := l.l.Back(); e != nil; {
		prev := e.Prev()
		svc := e.Value.(*Service)
		if !svc.stopped {
			svc.stopped = true
			svc.elem = nil
			if svc.Stop != nil {
				if wait {
					done := make(chan struct{})
					go func() {
						svc.loop.safeCall(func() { svc.Stop(svc.loop) })
						close(done)
					}()
					<-done
				} else {
					svc.loop.safeCall(func() { svc.Stop(svc.loop) })
				}
			}
		}
		e = prev
	}
	l.l.Init()
}
