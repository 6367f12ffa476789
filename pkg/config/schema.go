package config

// harnessSchema constrains harness configuration files. Files are unified
// with the schema before decoding, so violations surface with CUE
// positions instead of decode errors.
const harnessSchema = `
#SSH: {
	host:   string & !=""
	port?:  int & >=1 & <=65535
	user:   string & !=""
	auth_method?: "key" | "password"
	password?: string
	private_key_path?: string
	known_hosts_path?: string
	strict_host_key_checking?: bool
	connect_timeout?: int
}

#Remote: {
	transport: "local" | "ssh"
	agent_path: string & !=""
	database:   string & !=""
	ssh?: #SSH
}

#Target: {
	name:  string & =~"^[a-zA-Z0-9_.-]+$"
	kind:  "serial" | "pool" | "remote"
	group?: string
	concurrency?: int & >=1
	remote?: #Remote
}

#Harness: {
	suite?: string
	context?: [string]: string
	expected_outcomes?: [string]: "PASS" | "FAIL" | "ERROR" | "UNTESTED"
	targets?: [...#Target]
	record_file?: string
	store_path?: string
}

#Harness
`
