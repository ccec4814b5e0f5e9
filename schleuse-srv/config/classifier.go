package config

// ClassifierType identifies a host classifier variant.
type ClassifierType int

const (
	ClassifierTypeAnd ClassifierType = iota
	ClassifierTypeOr
	ClassifierTypeNot
	ClassifierTypeDomain
	ClassifierTypeRef
	ClassifierTypeIP
	ClassifierTypeNetwork
	ClassifierTypePort
	ClassifierTypeTrue
	ClassifierTypeFalse
	ClassifierTypeDomainsFile
)

// ClassifierOp defines the operation type for domain comparisons.
type ClassifierOp int

const (
	// ClassifierOpEqual matches the exact host only.
	ClassifierOpEqual ClassifierOp = iota
	ClassifierOpNotEqual
	ClassifierOpContains
	ClassifierOpNotContains
	// ClassifierOpIs matches the domain or any of its subdomains.
	ClassifierOpIs
)

// Classifier is the configuration of a host matcher. The proxy package
// compiles it into an executable form.
type Classifier interface {
	Type() ClassifierType
}

// ClassifierDomainsFile matches against a newline separated list of domains.
type ClassifierDomainsFile struct {
	FilePath string
}

func (c *ClassifierDomainsFile) Type() ClassifierType { return ClassifierTypeDomainsFile }

type ClassifierPort struct {
	Port int
}

func (c *ClassifierPort) Type() ClassifierType { return ClassifierTypePort }

type ClassifierAnd struct {
	Classifiers []Classifier
}

func (c *ClassifierAnd) Type() ClassifierType { return ClassifierTypeAnd }

type ClassifierOr struct {
	Classifiers []Classifier
}

func (c *ClassifierOr) Type() ClassifierType { return ClassifierTypeOr }

type ClassifierNot struct {
	Classifier Classifier
}

func (c *ClassifierNot) Type() ClassifierType { return ClassifierTypeNot }

type ClassifierDomain struct {
	Op     ClassifierOp
	Domain string
}

func (c *ClassifierDomain) Type() ClassifierType { return ClassifierTypeDomain }

// ClassifierRef references a named entry of Config.Classifiers.
type ClassifierRef struct {
	Id string
}

func (c *ClassifierRef) Type() ClassifierType { return ClassifierTypeRef }

type ClassifierIP struct {
	IP string
}

func (c *ClassifierIP) Type() ClassifierType { return ClassifierTypeIP }

// ClassifierNetwork matches the resolved or literal target IP against a CIDR.
type ClassifierNetwork struct {
	CIDR string
}

func (c *ClassifierNetwork) Type() ClassifierType { return ClassifierTypeNetwork }

type ClassifierTrue struct{}

func (c *ClassifierTrue) Type() ClassifierType { return ClassifierTypeTrue }

type ClassifierFalse struct{}

func (c *ClassifierFalse) Type() ClassifierType { return ClassifierTypeFalse }
