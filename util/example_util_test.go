package util

import (
	"fmt"
)

func ExampleIntSliceToCSV() {
	fmt.Println(IntSliceToCSV([]int{150, 175, 200}))
	// Output: 150,175,200
}

func ExampleFloatSliceToCSV() {
	fmt.Println(FloatSliceToCSV([]float64{1, 2.345}, 2))
	// Output: 1.00,2.35
}
