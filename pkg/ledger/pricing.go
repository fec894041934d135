package ledger

import "github.com/AdityaKumar41/evolvx-sub003/pkg/faults"

// ComplexityClass is the external classifier's verdict for one AI usage
// event. The ledger never classifies; it only prices.
type ComplexityClass string

const (
	ComplexitySimple      ComplexityClass = "SIMPLE"
	ComplexityMedium      ComplexityClass = "MEDIUM"
	ComplexityComplex     ComplexityClass = "COMPLEX"
	ComplexityVeryComplex ComplexityClass = "VERY_COMPLEX"
)

var classPrices = map[ComplexityClass]uint64{
	ComplexitySimple:      10,
	ComplexityMedium:      25,
	ComplexityComplex:     50,
	ComplexityVeryComplex: 100,
}

// PriceFor maps a complexity class to a base amount in the smallest payout
// unit.
func PriceFor(class ComplexityClass) (uint64, error) {
	price, ok := classPrices[class]
	if !ok {
		return 0, faults.Newf(faults.KindInvalidInput, "unknown complexity class %q", class)
	}
	return price, nil
}
