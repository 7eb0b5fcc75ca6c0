package domain

var Tables = []interface{}{
	&InstanceRecord{},
	&CredentialRecord{},
}
