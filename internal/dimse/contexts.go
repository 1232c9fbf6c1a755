package dimse

// Default transfer syntaxes proposed for every context, preferred first.
var defaultTransferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
}

// EchoContexts proposes the verification SOP class only.
func EchoContexts() []ProposedContext {
	return []ProposedContext{
		{ID: 1, AbstractSyntax: VerificationSOPClass, TransferSyntaxes: defaultTransferSyntaxes},
	}
}

// QueryContexts proposes verification plus the find and move information
// models and the modality worklist.
func QueryContexts() []ProposedContext {
	abstracts := []string{
		VerificationSOPClass,
		PatientRootFind,
		StudyRootFind,
		PatientRootMove,
		StudyRootMove,
		ModalityWorklistFind,
	}
	return contextsFor(abstracts, defaultTransferSyntaxes)
}

// StoreContexts proposes one context per SOP class to push. When the objects
// share a transfer syntax it is proposed alone so the peer cannot force a
// transcode.
func StoreContexts(sopClasses []string, transferSyntax string) []ProposedContext {
	syntaxes := defaultTransferSyntaxes
	if transferSyntax != "" {
		syntaxes = []string{transferSyntax}
	}
	return contextsFor(sopClasses, syntaxes)
}

// contextsFor assigns the odd context ids the protocol requires.
func contextsFor(abstracts []string, syntaxes []string) []ProposedContext {
	contexts := make([]ProposedContext, 0, len(abstracts))
	id := byte(1)
	for _, abstract := range abstracts {
		contexts = append(contexts, ProposedContext{
			ID:               id,
			AbstractSyntax:   abstract,
			TransferSyntaxes: syntaxes,
		})
		id += 2
	}
	return contexts
}
