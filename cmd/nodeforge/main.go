// nodeforge - provision and track compute nodes on AWS.
package main

func main() {
	Execute()
}
