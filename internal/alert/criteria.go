package alert

// Kinds returns the product kinds a setting is interested in. Both flags unset
// is treated the same as both set.
func (s Setting) Kinds() []ProductKind {
	switch {
	case s.Deposit && !s.Savings:
		return []ProductKind{KindDeposit}
	case s.Savings && !s.Deposit:
		return []ProductKind{KindSavings}
	default:
		return []ProductKind{KindDeposit, KindSavings}
	}
}

// Evaluate reports whether the snapshot satisfies the setting and returns the
// best matching rate option.
func Evaluate(s Setting, p ProductSnapshot) (RateOption, bool) {
	if !s.wantsKind(p.Kind) || !s.amountsFit(p) {
		return RateOption{}, false
	}

	var (
		best  RateOption
		found bool
	)
	for _, opt := range p.Options {
		if !s.optionFits(p.Kind, opt) {
			continue
		}
		if !found || opt.BestRate.GreaterThan(best.BestRate) {
			best = opt
			found = true
		}
	}
	return best, found
}

func (s Setting) wantsKind(kind ProductKind) bool {
	for _, k := range s.Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// amountsFit requires the setting's amount range to lie within the product's.
// A zero bound is unset and each comparison needs both sides set.
func (s Setting) amountsFit(p ProductSnapshot) bool {
	sMin, sMax := s.MinAmount.IsPositive(), s.MaxAmount.IsPositive()
	pMin, pMax := p.MinAmount.IsPositive(), p.MaxAmount.IsPositive()
	switch {
	case sMin && pMin && s.MinAmount.LessThan(p.MinAmount):
		return false
	case sMin && pMax && s.MinAmount.GreaterThan(p.MaxAmount):
		return false
	case sMax && pMax && s.MaxAmount.GreaterThan(p.MaxAmount):
		return false
	case sMax && pMin && s.MaxAmount.LessThan(p.MinAmount):
		return false
	}
	return true
}

func (s Setting) optionFits(kind ProductKind, opt RateOption) bool {
	if opt.BestRate.LessThan(s.MinRate) {
		return false
	}
	if s.MaxTermMonths > 0 && opt.TermMonths > 0 && opt.TermMonths > s.MaxTermMonths {
		return false
	}
	if !allowed(s.SimpleInterest, s.CompoundInterest, opt.Method == MethodSimple, opt.Method == MethodCompound) {
		return false
	}
	if kind == KindSavings &&
		!allowed(s.FixedReserve, s.FlexibleReserve, opt.Reserve == ReserveFixed, opt.Reserve == ReserveFlexible) {
		return false
	}
	return true
}

// allowed applies a boolean filter pair; an unset pair admits everything.
func allowed(wantA, wantB, isA, isB bool) bool {
	if !wantA && !wantB {
		return true
	}
	return (wantA && isA) || (wantB && isB)
}
