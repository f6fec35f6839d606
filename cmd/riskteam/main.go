// Command riskteam runs SWIFT risk assessments with a coordinated team of
// model-backed experts, from the command line or as an HTTP service.
package main

func main() {
	Execute()
}
