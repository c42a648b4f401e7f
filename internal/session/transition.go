package session

// Transition moves the session at code to status, enforcing the state
// machine and the assign-once rule for HostID and ClientID carried in
// extra. It returns ErrNotFound for absent or expired sessions.
func Transition(repo Repository, code string, to Status, extra Patch) (*Session, error) {
	var rejected error
	extra.Status = &to
	extra.Check = func(s *Session) error {
		rejected = checkTransition(s, to, extra)
		return rejected
	}

	s, ok := repo.Update(code, extra)
	if !ok {
		if rejected != nil {
			return nil, rejected
		}
		return nil, ErrNotFound
	}
	return s, nil
}

func checkTransition(s *Session, to Status, p Patch) error {
	if !CanTransition(s.Status, to) {
		return ErrInvalidTransition
	}
	if p.HostID != nil && s.HostID != "" && s.HostID != *p.HostID {
		return ErrAlreadyAssigned
	}
	if p.ClientID != nil && s.ClientID != "" && s.ClientID != *p.ClientID {
		return ErrAlreadyAssigned
	}
	return nil
}
