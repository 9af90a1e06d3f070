package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const hoverScript = `(() => {
	const items = document.querySelectorAll('#shop-all-list li, .shop-list li');
	if (!items.length) { return false; }
	const el = items[Math.floor(Math.random() * items.length)];
	const r = el.getBoundingClientRect();
	el.dispatchEvent(new MouseEvent('mouseover', {bubbles: true, clientX: r.left + r.width / 2, clientY: r.top + r.height / 2}));
	return true;
})()`

// The click lands on empty page margin so it never follows a link.
const idleClickScript = `(() => {
	const x = 5 + Math.floor(Math.random() * 40);
	const y = 200 + Math.floor(Math.random() * 200);
	const target = document.elementFromPoint(x, y) || document.body;
	if (target.closest('a, button, input')) { return false; }
	target.dispatchEvent(new MouseEvent('click', {bubbles: true, clientX: x, clientY: y}));
	return true;
})()`

// browse plays one sampled behavior plan on the current page and then stays
// for the sampled duration.
func (s *session) browse(ctx context.Context) error {
	plan := s.policy.BehaviorPlan()
	if plan.Scroll {
		for i := 0; i < plan.ScrollSteps; i++ {
			distance := 200 + int(s.policy.Float64()*400)
			src := fmt.Sprintf(`window.scrollBy({top: %d, behavior: 'smooth'})`, distance)
			if err := s.script(ctx, src); err != nil {
				return err
			}
			pause := 500*time.Millisecond + time.Duration(s.policy.Float64()*float64(time.Second))
			if err := s.runner.deps.Sleeper.Sleep(ctx, pause); err != nil {
				return err
			}
		}
	}
	if plan.Hover {
		if err := s.script(ctx, hoverScript); err != nil {
			return err
		}
	}
	if plan.Click {
		if err := s.script(ctx, idleClickScript); err != nil {
			return err
		}
	}
	return s.sleepAlive(ctx, plan.Stay)
}

// script runs src and swallows everything except fatal errors.
func (s *session) script(ctx context.Context, src string) error {
	err := s.driver.RunScript(ctx, src, nil)
	if err == nil {
		return nil
	}
	if isFatal(ctx, err) {
		return err
	}
	s.logger.Debug("behavior script failed", zap.Error(err))
	return nil
}
